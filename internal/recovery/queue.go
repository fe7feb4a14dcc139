// Package recovery is the durable local queue for funds that exist at a mint but are
// not yet recorded on the record store, plus the redeemed-transfer set and the nutzap
// listener watermark.
package recovery

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/and161185/nutkeeper/internal/errs"
)

const (
	pendingBucket  = "pending"
	redeemedBucket = "redeemed"
	metaBucket     = "meta"

	watermarkKey = "watermark"
)

// EntryKind classifies a parked entry.
type EntryKind string

const (
	// EntryTokens is a group of proofs whose token record could not be published.
	EntryTokens EntryKind = "tokens"
	// EntryTransfer is a transfer event that could not be delivered after its proofs were locked.
	EntryTransfer EntryKind = "transfer"
)

// entryEnc stores CreatedAt with nanosecond precision.
var entryEnc, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Entry is a parked unit of work. ID is the record id it will be published under, so
// replaying an entry more than once is harmless.
type Entry struct {
	ID        string          `json:"id"`
	Kind      EntryKind       `json:"kind"`
	Mint      string          `json:"mint"`
	Amount    uint64          `json:"amount"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue is the recovery store.
type Queue interface {
	Park(e Entry) error
	Pending(kind EntryKind) ([]Entry, error)
	Done(id string) error
	Redeemed(transferID string) (bool, error)
	MarkRedeemed(transferID string) error
	Watermark() (int64, error)
	SetWatermark(seq int64) error
}

// Bolt is a Queue stored in a bbolt file.
type Bolt struct {
	db *bolt.DB
}

var _ Queue = (*Bolt)(nil)

// Open opens or creates the queue file at path.
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("recovery: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("recovery: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{pendingBucket, redeemedBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

// Close closes the file.
func (q *Bolt) Close() error { return q.db.Close() }

// Park durably stores e, replacing an entry with the same id.
func (q *Bolt) Park(e Entry) error {
	if e.ID == "" || e.Kind == "" {
		return fmt.Errorf("%w: entry needs id and kind", errs.ErrValidation)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	buf, err := entryEnc.Marshal(e)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Put([]byte(e.ID), buf)
	})
}

// Pending lists parked entries of kind, oldest first. An empty kind lists all.
func (q *Bolt) Pending(kind EntryKind) ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("recovery: corrupt entry: %w", err)
			}
			if kind == "" || e.Kind == kind {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Done removes a parked entry. Removing a missing entry is not an error.
func (q *Bolt) Done(id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Delete([]byte(id))
	})
}

// Redeemed reports whether a transfer was already redeemed.
func (q *Bolt) Redeemed(transferID string) (bool, error) {
	var ok bool
	err := q.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(redeemedBucket)).Get([]byte(transferID)) != nil
		return nil
	})
	return ok, err
}

// MarkRedeemed records a transfer as redeemed.
func (q *Bolt) MarkRedeemed(transferID string) error {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(redeemedBucket)).Put([]byte(transferID), ts[:])
	})
}

// Watermark returns the last processed transfer sequence number.
func (q *Bolt) Watermark() (int64, error) {
	var seq int64
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket)).Get([]byte(watermarkKey))
		switch len(b) {
		case 0:
		case 8:
			seq = int64(binary.BigEndian.Uint64(b))
		default:
			return errors.New("recovery: malformed watermark")
		}
		return nil
	})
	return seq, err
}

// SetWatermark stores seq. The watermark never moves backwards.
func (q *Bolt) SetWatermark(seq int64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(metaBucket))
		if b := bkt.Get([]byte(watermarkKey)); len(b) == 8 && int64(binary.BigEndian.Uint64(b)) >= seq {
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(seq))
		return bkt.Put([]byte(watermarkKey), buf[:])
	})
}
