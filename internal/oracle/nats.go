package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSOracle talks to an external oracle network over NATS. Requests are
// published as JSON on requestSubject; fulfilments arrive on fulfilSubject
// and are forwarded to the bound Deliverer.
type NATSOracle struct {
	conn           *nats.Conn
	requestSubject string
	fulfilSubject  string
	sub            *nats.Subscription
}

// NewNATSOracle creates an oracle client on an open connection.
func NewNATSOracle(conn *nats.Conn, requestSubject, fulfilSubject string) *NATSOracle {
	return &NATSOracle{
		conn:           conn,
		requestSubject: requestSubject,
		fulfilSubject:  fulfilSubject,
	}
}

func (o *NATSOracle) Request(_ context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrOracleRequest, err)
	}
	if err := o.conn.Publish(o.requestSubject, payload); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrOracleRequest, err)
	}
	return nil
}

// Start subscribes to fulfilments. Call Stop to unsubscribe.
func (o *NATSOracle) Start(d Deliverer) error {
	sub, err := o.conn.Subscribe(o.fulfilSubject, func(msg *nats.Msg) {
		handleFulfilment(context.Background(), d, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", o.fulfilSubject, err)
	}
	o.sub = sub
	return nil
}

// Stop drops the fulfilment subscription.
func (o *NATSOracle) Stop() error {
	if o.sub == nil {
		return nil
	}
	return o.sub.Unsubscribe()
}

// handleFulfilment decodes one fulfilment message and delivers it. Bad
// messages and rejected deliveries are logged and dropped; the oracle side
// owns redelivery.
func handleFulfilment(ctx context.Context, d Deliverer, data []byte) {
	var f Fulfilment
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("oracle fulfilment rejected", "err", err)
		return
	}
	if err := d.Deliver(ctx, f.RoundID, f.RequestID, f.Value); err != nil {
		slog.Error("oracle fulfilment not applied", "round_id", f.RoundID, "request_id", f.RequestID, "err", err)
	}
}
