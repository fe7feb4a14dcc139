package memory

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/repository"
)

// Faulty wraps a RecordStore and lets tests inject failures per call.
// A hook returning a non-nil error fails the call before it reaches the inner store.
type Faulty struct {
	inner repository.RecordStore

	mu        sync.Mutex
	onPublish func(model.Record) error
	onQuery   func(model.Filter) error
	onDelete  func(uuid.UUID) error
}

var _ repository.RecordStore = (*Faulty)(nil)

// NewFaulty wraps inner.
func NewFaulty(inner repository.RecordStore) *Faulty { return &Faulty{inner: inner} }

// OnPublish installs a publish hook; nil removes it.
func (f *Faulty) OnPublish(h func(model.Record) error) {
	f.mu.Lock()
	f.onPublish = h
	f.mu.Unlock()
}

// OnQuery installs a query hook; nil removes it.
func (f *Faulty) OnQuery(h func(model.Filter) error) {
	f.mu.Lock()
	f.onQuery = h
	f.mu.Unlock()
}

// OnDelete installs a delete hook; nil removes it.
func (f *Faulty) OnDelete(h func(uuid.UUID) error) {
	f.mu.Lock()
	f.onDelete = h
	f.mu.Unlock()
}

func (f *Faulty) Publish(ctx context.Context, rec model.Record) (model.Record, error) {
	f.mu.Lock()
	h := f.onPublish
	f.mu.Unlock()
	if h != nil {
		if err := h(rec); err != nil {
			return model.Record{}, err
		}
	}
	return f.inner.Publish(ctx, rec)
}

func (f *Faulty) Query(ctx context.Context, flt model.Filter) ([]model.Record, error) {
	f.mu.Lock()
	h := f.onQuery
	f.mu.Unlock()
	if h != nil {
		if err := h(flt); err != nil {
			return nil, err
		}
	}
	return f.inner.Query(ctx, flt)
}

func (f *Faulty) Delete(ctx context.Context, author string, id uuid.UUID) error {
	f.mu.Lock()
	h := f.onDelete
	f.mu.Unlock()
	if h != nil {
		if err := h(id); err != nil {
			return err
		}
	}
	return f.inner.Delete(ctx, author, id)
}
