// Package memory contains an in-process implementation of the record store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/repository"
)

// Store keeps records in memory. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	seq  int64
	recs []model.Record
	byID map[uuid.UUID]int
	now  func() time.Time
}

var _ repository.RecordStore = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{byID: map[uuid.UUID]int{}, now: time.Now}
}

// Publish appends rec, assigning Seq and CreatedAt.
func (s *Store) Publish(ctx context.Context, rec model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	if rec.ID == uuid.Nil || rec.Kind == 0 || rec.Author == "" {
		return model.Record{}, fmt.Errorf("%w: record needs id, kind and author", errs.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[rec.ID]; ok {
		if s.recs[i].Author != rec.Author {
			return model.Record{}, errs.ErrAlreadyExists
		}
		return clone(s.recs[i]), nil
	}
	s.seq++
	rec.Seq = s.seq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.Deleted = false
	rec = clone(rec)
	s.byID[rec.ID] = len(s.recs)
	s.recs = append(s.recs, rec)
	return clone(rec), nil
}

// Query returns matching records in Seq order.
func (s *Store) Query(ctx context.Context, f model.Filter) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Record
	for _, r := range s.recs {
		if !f.Match(r, now) {
			continue
		}
		out = append(out, clone(r))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Delete tombstones the record. Deleting a tombstone reports ErrNotFound.
func (s *Store) Delete(ctx context.Context, author string, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	if s.recs[i].Author != author {
		return errs.ErrUnauthorized
	}
	if s.recs[i].Deleted {
		return errs.ErrNotFound
	}
	s.recs[i].Deleted = true
	s.recs[i].Content = nil
	return nil
}

// Len returns the number of records ever published, including tombstones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func clone(r model.Record) model.Record {
	r.Content = slices.Clone(r.Content)
	return r
}
