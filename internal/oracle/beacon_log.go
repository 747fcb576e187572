package oracle

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BeaconLog stores the beacon chain. Append is only called with the next
// index after Last.
type BeaconLog interface {
	// Last returns the newest output, or nil for an empty chain.
	Last() (*BeaconOutput, error)
	Append(out BeaconOutput) error
	Get(requestID string) (BeaconOutput, bool, error)
}

// MemoryBeaconLog keeps the chain for the life of the process.
type MemoryBeaconLog struct {
	mu        sync.Mutex
	chain     []BeaconOutput
	byRequest map[string]int
}

var _ BeaconLog = (*MemoryBeaconLog)(nil)

func NewMemoryBeaconLog() *MemoryBeaconLog {
	return &MemoryBeaconLog{byRequest: make(map[string]int)}
}

func (l *MemoryBeaconLog) Last() (*BeaconOutput, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.chain) == 0 {
		return nil, nil
	}
	out := l.chain[len(l.chain)-1]
	return &out, nil
}

func (l *MemoryBeaconLog) Append(out BeaconOutput) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if out.Index != uint64(len(l.chain)) {
		return fmt.Errorf("beacon log: append index %d, expected %d", out.Index, len(l.chain))
	}
	l.byRequest[out.RequestID] = len(l.chain)
	l.chain = append(l.chain, out)
	return nil
}

func (l *MemoryBeaconLog) Get(requestID string) (BeaconOutput, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byRequest[requestID]
	if !ok {
		return BeaconOutput{}, false, nil
	}
	return l.chain[i], true, nil
}

const (
	beaconOutputBucket  = "beacon_outputs"
	beaconRequestBucket = "beacon_requests"
)

// BoltBeaconLog persists the chain in a bbolt file so a restarted beacon
// continues from its last signature.
type BoltBeaconLog struct {
	db *bbolt.DB
}

var _ BeaconLog = (*BoltBeaconLog)(nil)

// OpenBoltBeaconLog opens or creates the chain file at path.
func OpenBoltBeaconLog(path string) (*BoltBeaconLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("beacon log path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open beacon log: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{beaconOutputBucket, beaconRequestBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBeaconLog{db: db}, nil
}

// Close closes the underlying database.
func (l *BoltBeaconLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *BoltBeaconLog) Last() (*BeaconOutput, error) {
	var last *BeaconOutput
	err := l.db.View(func(tx *bbolt.Tx) error {
		_, data := tx.Bucket([]byte(beaconOutputBucket)).Cursor().Last()
		if data == nil {
			return nil
		}
		var out BeaconOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decode beacon output: %w", err)
		}
		last = &out
		return nil
	})
	return last, err
}

func (l *BoltBeaconLog) Append(out BeaconOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode beacon output: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		outputs := tx.Bucket([]byte(beaconOutputBucket))
		var want uint64
		if k, _ := outputs.Cursor().Last(); k != nil {
			want = binary.BigEndian.Uint64(k) + 1
		}
		if out.Index != want {
			return fmt.Errorf("beacon log: append index %d, expected %d", out.Index, want)
		}
		key := indexKey(out.Index)
		if err := outputs.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket([]byte(beaconRequestBucket)).Put([]byte(out.RequestID), key)
	})
}

func (l *BoltBeaconLog) Get(requestID string) (BeaconOutput, bool, error) {
	var (
		out   BeaconOutput
		found bool
	)
	err := l.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(beaconRequestBucket)).Get([]byte(requestID))
		if key == nil {
			return nil
		}
		data := tx.Bucket([]byte(beaconOutputBucket)).Get(key)
		if data == nil {
			return fmt.Errorf("beacon log: request %s points at missing output", requestID)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decode beacon output: %w", err)
		}
		found = true
		return nil
	})
	return out, found, err
}

// indexKey sorts outputs by index under bbolt's byte ordering.
func indexKey(i uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], i)
	return k[:]
}
