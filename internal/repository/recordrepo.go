// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/nutkeeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// RecordStore is the relay network as seen by the wallet: an append-only, multi-writer
// store of records addressed by kind and author.
type RecordStore interface {
	// Publish stores rec and returns it with store-assigned fields set.
	// Publishing an ID that already exists from the same author is a no-op returning the stored copy.
	Publish(ctx context.Context, rec model.Record) (model.Record, error)

	// Query returns records matching f ordered by Seq ascending.
	Query(ctx context.Context, f model.Filter) ([]model.Record, error)

	// Delete tombstones a record. Only its author may delete it. Deleting a missing
	// record or a tombstone reports ErrNotFound, so of two concurrent deletes one fails.
	Delete(ctx context.Context, author string, id uuid.UUID) error
}
