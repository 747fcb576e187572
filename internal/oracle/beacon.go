package oracle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/sign/bls"

	"github.com/recoveryroom/round-engine/internal/model"
)

// beaconDomain prefixes every signed message.
const beaconDomain = "recovery-room/beacon/v1"

var (
	// ErrNotBound is returned by Request before Bind has been called.
	ErrNotBound = errors.New("oracle: beacon has no deliverer")

	// ErrBadBeacon is returned when a beacon output fails verification.
	ErrBadBeacon = errors.New("oracle: beacon output does not verify")
)

// BeaconOutput is one link of the beacon chain. It names the request it
// answers, and the signature covers all of it, so an output cannot be replayed
// for another round. Anyone holding the public key can check it with
// VerifyBeacon.
type BeaconOutput struct {
	Index     uint64           `json:"index"`
	RoundID   uint64           `json:"round_id"`
	RequestID string           `json:"request_id"`
	Seed      string           `json:"seed"`
	Prev      []byte           `json:"prev"`
	Signature []byte           `json:"signature"`
	Value     model.Randomness `json:"value"`
}

// Beacon is a local BLS randomness beacon on the bn256 pairing curve. Each
// output signs the request it answers chained with the previous signature;
// the delivered value is SHA-256 of the signature. BLS signatures are unique
// per key and message, so the operator cannot choose among several valid
// values.
type Beacon struct {
	suite  *pairing.SuiteBn256
	secret kyber.Scalar
	public kyber.Point
	delay  time.Duration
	log    BeaconLog

	mu        sync.Mutex
	deliverer Deliverer
}

// NewBeacon derives a key pair from seed. The same seed always yields the
// same key, which lets a restarted node keep publishing under one key; the
// chain continues from the last output in log. A nil log keeps the chain in
// memory. delay postpones each delivery.
func NewBeacon(seed []byte, delay time.Duration, log BeaconLog) *Beacon {
	suite := pairing.NewSuiteBn256()
	secret, public := bls.NewKeyPair(suite, suite.XOF(seed))
	if log == nil {
		log = NewMemoryBeaconLog()
	}
	return &Beacon{
		suite:  suite,
		secret: secret,
		public: public,
		delay:  delay,
		log:    log,
	}
}

// Bind sets where fulfilled values are sent.
func (b *Beacon) Bind(d Deliverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverer = d
}

// PublicKey returns the marshalled public key.
func (b *Beacon) PublicKey() ([]byte, error) {
	return b.public.MarshalBinary()
}

// Request signs the next chain link for req and delivers its value
// asynchronously. A repeated request id gets the output already signed for it.
func (b *Beacon) Request(ctx context.Context, req Request) error {
	b.mu.Lock()
	d := b.deliverer
	if d == nil {
		b.mu.Unlock()
		return ErrNotBound
	}
	out, err := b.answer(req)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOracleRequest, err)
	}

	slog.Info("beacon signed", "round_id", req.RoundID, "beacon_index", out.Index, "request_id", req.RequestID)

	bg := context.WithoutCancel(ctx)
	go func() {
		if b.delay > 0 {
			time.Sleep(b.delay)
		}
		if err := d.Deliver(bg, out.RoundID, out.RequestID, out.Value); err != nil {
			slog.Error("beacon delivery failed", "round_id", out.RoundID, "request_id", out.RequestID, "err", err)
		}
	}()
	return nil
}

// Output returns the chain link produced for requestID.
func (b *Beacon) Output(requestID string) (BeaconOutput, bool, error) {
	return b.log.Get(requestID)
}

// answer must be called with mu held.
func (b *Beacon) answer(req Request) (BeaconOutput, error) {
	if req.RequestID == "" {
		return BeaconOutput{}, errors.New("empty request id")
	}
	prior, ok, err := b.log.Get(req.RequestID)
	if err != nil {
		return BeaconOutput{}, err
	}
	if ok {
		return prior, nil
	}

	last, err := b.log.Last()
	if err != nil {
		return BeaconOutput{}, err
	}
	out := BeaconOutput{
		RoundID:   req.RoundID,
		RequestID: req.RequestID,
		Seed:      req.Seed,
	}
	if last != nil {
		out.Index = last.Index + 1
		out.Prev = last.Signature
	}

	sig, err := bls.Sign(b.suite, b.secret, beaconMessage(out))
	if err != nil {
		return BeaconOutput{}, fmt.Errorf("sign beacon index %d: %w", out.Index, err)
	}
	out.Signature = sig
	out.Value = model.Randomness(sha256.Sum256(sig))

	if err := b.log.Append(out); err != nil {
		return BeaconOutput{}, err
	}
	return out, nil
}

// beaconMessage encodes everything in out except the signature and value.
// Variable-length fields are length-prefixed.
func beaconMessage(out BeaconOutput) []byte {
	var buf bytes.Buffer
	buf.WriteString(beaconDomain)
	writeUint64(&buf, out.Index)
	writeUint64(&buf, out.RoundID)
	writeField(&buf, []byte(out.Seed))
	writeField(&buf, []byte(out.RequestID))
	writeField(&buf, out.Prev)
	return buf.Bytes()
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeField(buf *bytes.Buffer, field []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(field)))
	buf.Write(n[:])
	buf.Write(field)
}

// VerifyBeacon checks out against a marshalled beacon public key.
func VerifyBeacon(publicKey []byte, out BeaconOutput) error {
	suite := pairing.NewSuiteBn256()
	public := suite.G2().Point()
	if err := public.UnmarshalBinary(publicKey); err != nil {
		return fmt.Errorf("%w: public key: %v", ErrBadBeacon, err)
	}
	if err := bls.Verify(suite, public, beaconMessage(out), out.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBeacon, err)
	}
	sum := sha256.Sum256(out.Signature)
	if !bytes.Equal(sum[:], out.Value[:]) {
		return fmt.Errorf("%w: value is not the signature hash", ErrBadBeacon)
	}
	return nil
}
