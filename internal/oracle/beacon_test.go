package oracle

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/recoveryroom/round-engine/internal/model"
)

type delivery struct {
	roundID   uint64
	requestID string
	value     model.Randomness
}

type chanDeliverer chan delivery

func (c chanDeliverer) Deliver(_ context.Context, roundID uint64, requestID string, value model.Randomness) error {
	c <- delivery{roundID, requestID, value}
	return nil
}

func waitDelivery(t *testing.T, c chanDeliverer) delivery {
	t.Helper()
	select {
	case d := <-c:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for beacon delivery")
		return delivery{}
	}
}

func request(t *testing.T, b *Beacon, deliveries chanDeliverer, req Request) BeaconOutput {
	t.Helper()
	if err := b.Request(context.Background(), req); err != nil {
		t.Fatalf("request %s: %v", req.RequestID, err)
	}
	d := waitDelivery(t, deliveries)
	if d.requestID != req.RequestID || d.roundID != req.RoundID {
		t.Fatalf("unexpected delivery %+v for %+v", d, req)
	}
	out, ok, err := b.Output(req.RequestID)
	if err != nil || !ok {
		t.Fatalf("no output recorded for %s: %v", req.RequestID, err)
	}
	if out.Value != d.value {
		t.Fatal("recorded value differs from delivered value")
	}
	return out
}

func TestBeacon_RequiresBind(t *testing.T) {
	b := NewBeacon([]byte("seed"), 0, nil)
	if err := b.Request(context.Background(), Request{RoundID: 1, RequestID: "r1"}); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
}

func TestBeacon_DeliversVerifiableChain(t *testing.T) {
	b := NewBeacon([]byte("seed"), 0, nil)
	deliveries := make(chanDeliverer, 4)
	b.Bind(deliveries)

	pub, err := b.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	var prevSig []byte
	for i, id := range []string{"r1", "r2", "r3"} {
		out := request(t, b, deliveries, Request{RoundID: uint64(i + 1), RequestID: id, Seed: "round-" + id})
		if out.Value.IsZero() {
			t.Fatal("delivered value must not be zero")
		}
		if out.Index != uint64(i) {
			t.Errorf("expected beacon index %d, got %d", i, out.Index)
		}
		if out.Seed != "round-"+id {
			t.Errorf("output must carry the request seed, got %q", out.Seed)
		}
		if !bytes.Equal(out.Prev, prevSig) {
			t.Errorf("index %d does not chain to the previous signature", i)
		}
		if err := VerifyBeacon(pub, out); err != nil {
			t.Errorf("verify index %d: %v", i, err)
		}
		prevSig = out.Signature
	}
}

func TestBeacon_RepeatedRequestReusesOutput(t *testing.T) {
	b := NewBeacon([]byte("seed"), 0, nil)
	deliveries := make(chanDeliverer, 2)
	b.Bind(deliveries)

	req := Request{RoundID: 1, RequestID: "r1", Seed: "round-1"}
	first := request(t, b, deliveries, req)
	second := request(t, b, deliveries, req)
	if first.Index != second.Index || first.Value != second.Value {
		t.Errorf("a repeated request must not advance the chain: %d vs %d", first.Index, second.Index)
	}
}

func TestBeacon_SameSeedSameKey(t *testing.T) {
	a, _ := NewBeacon([]byte("shared"), 0, nil).PublicKey()
	b, _ := NewBeacon([]byte("shared"), 0, nil).PublicKey()
	c, _ := NewBeacon([]byte("other"), 0, nil).PublicKey()
	if !bytes.Equal(a, b) {
		t.Error("same seed should derive the same key")
	}
	if bytes.Equal(a, c) {
		t.Error("different seeds should derive different keys")
	}
}

// A node restarted with the same seed and no chain history must still give
// each round its own value.
func TestBeacon_FreshInstancesBindValuesToRequest(t *testing.T) {
	first := NewBeacon([]byte("prod-seed"), 0, nil)
	d1 := make(chanDeliverer, 1)
	first.Bind(d1)
	a := request(t, first, d1, Request{RoundID: 1, RequestID: "req-a", Seed: "round-1"})

	restarted := NewBeacon([]byte("prod-seed"), 0, nil)
	d2 := make(chanDeliverer, 1)
	restarted.Bind(d2)
	b := request(t, restarted, d2, Request{RoundID: 7, RequestID: "req-b", Seed: "round-7"})

	if a.Index != 0 || b.Index != 0 {
		t.Fatalf("both chains should start at index 0, got %d and %d", a.Index, b.Index)
	}
	if a.Value == b.Value {
		t.Error("different rounds must not receive the same value")
	}
}

func TestBeacon_ContinuesChainFromBoltLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.db")

	log, err := OpenBoltBeaconLog(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	b := NewBeacon([]byte("prod-seed"), 0, log)
	d := make(chanDeliverer, 1)
	b.Bind(d)
	first := request(t, b, d, Request{RoundID: 1, RequestID: "req-1", Seed: "round-1"})
	if err := log.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	log, err = OpenBoltBeaconLog(path)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	defer log.Close()
	restarted := NewBeacon([]byte("prod-seed"), 0, log)
	d = make(chanDeliverer, 1)
	restarted.Bind(d)

	again, ok, err := restarted.Output("req-1")
	if err != nil || !ok {
		t.Fatalf("earlier output lost across restart: %v", err)
	}
	if again.Value != first.Value {
		t.Error("persisted output changed")
	}

	second := request(t, restarted, d, Request{RoundID: 2, RequestID: "req-2", Seed: "round-2"})
	if second.Index != 1 || !bytes.Equal(second.Prev, first.Signature) {
		t.Errorf("restarted beacon must chain from the persisted output, got index %d", second.Index)
	}
	pub, _ := restarted.PublicKey()
	if err := VerifyBeacon(pub, second); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestMemoryBeaconLog_RejectsGaps(t *testing.T) {
	log := NewMemoryBeaconLog()
	if err := log.Append(BeaconOutput{Index: 1, RequestID: "x"}); err == nil {
		t.Error("expected an error appending past the end of the chain")
	}
	last, err := log.Last()
	if err != nil || last != nil {
		t.Errorf("empty log should have no last output, got %+v, %v", last, err)
	}
}

func TestVerifyBeacon_RejectsTampering(t *testing.T) {
	b := NewBeacon([]byte("seed"), 0, nil)
	deliveries := make(chanDeliverer, 1)
	b.Bind(deliveries)
	out := request(t, b, deliveries, Request{RoundID: 1, RequestID: "r1", Seed: "round-1"})
	pub, _ := b.PublicKey()

	tests := []struct {
		name   string
		mutate func(*BeaconOutput)
	}{
		{"value", func(o *BeaconOutput) { o.Value[0] ^= 0xFF }},
		{"index", func(o *BeaconOutput) { o.Index = 5 }},
		{"round", func(o *BeaconOutput) { o.RoundID = 2 }},
		{"request id", func(o *BeaconOutput) { o.RequestID = "r2" }},
		{"seed", func(o *BeaconOutput) { o.Seed = "round-2" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := out
			tt.mutate(&bad)
			if err := VerifyBeacon(pub, bad); !errors.Is(err, ErrBadBeacon) {
				t.Errorf("expected ErrBadBeacon, got %v", err)
			}
		})
	}

	otherPub, _ := NewBeacon([]byte("someone else"), 0, nil).PublicKey()
	if err := VerifyBeacon(otherPub, out); !errors.Is(err, ErrBadBeacon) {
		t.Errorf("expected ErrBadBeacon for wrong key, got %v", err)
	}
}

func TestBeaconMessage_LengthPrefixed(t *testing.T) {
	a := beaconMessage(BeaconOutput{Seed: "ab", RequestID: "c"})
	b := beaconMessage(BeaconOutput{Seed: "a", RequestID: "bc"})
	if bytes.Equal(a, b) {
		t.Error("field boundaries must be part of the signed message")
	}
	if !bytes.HasPrefix(a, []byte(beaconDomain)) {
		t.Error("message must start with the domain tag")
	}
}
