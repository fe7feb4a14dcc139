// Package records is the typed client of the record store: it seals payloads with the
// owner's Signer, publishes them with retry and opens what it reads back.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/identity"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/repository"
)

// Backoff produces a fresh retry schedule for one operation.
type Backoff func() retry.Backoff

// DefaultBackoff retries five times with capped exponential delays and jitter.
func DefaultBackoff() retry.Backoff {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(5*time.Second, b)
	return retry.WithMaxRetries(5, b)
}

// Draft describes a record before it is sealed.
type Draft struct {
	ID        uuid.UUID // generated when Nil
	Kind      model.Kind
	Recipient string // "" = self
	Payload   any
	ExpiresAt time.Time
}

// Client publishes, queries and opens records on behalf of one identity.
type Client struct {
	store   repository.RecordStore
	signer  identity.Signer
	log     *zap.Logger
	backoff Backoff
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the retry schedule.
func WithBackoff(b Backoff) Option { return func(c *Client) { c.backoff = b } }

// New constructs a Client.
func New(store repository.RecordStore, signer identity.Signer, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{store: store, signer: signer, log: log, backoff: DefaultBackoff}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Self returns the owner's public key.
func (c *Client) Self() string { return c.signer.PublicKey() }

// Backoff returns the client's retry schedule for reuse by callers.
func (c *Client) Backoff() Backoff { return c.backoff }

// Seal builds an encrypted record from d without publishing it.
func (c *Client) Seal(d Draft) (model.Record, error) {
	rec, pt, err := c.draft(d)
	if err != nil {
		return model.Record{}, err
	}
	blob, err := c.signer.Seal(d.Recipient, clientcrypto.RecordAAD(int(d.Kind), rec.ID.Bytes()), pt)
	if err != nil {
		return model.Record{}, fmt.Errorf("seal: %w", err)
	}
	rec.Content = blob
	rec.Encrypted = true
	return rec, nil
}

// PublishSealed encrypts d's payload to its recipient and publishes it.
func (c *Client) PublishSealed(ctx context.Context, d Draft) (model.Record, error) {
	rec, err := c.Seal(d)
	if err != nil {
		return model.Record{}, err
	}
	return c.Publish(ctx, rec)
}

// PublishPlain publishes d's payload as plaintext JSON.
func (c *Client) PublishPlain(ctx context.Context, d Draft) (model.Record, error) {
	rec, pt, err := c.draft(d)
	if err != nil {
		return model.Record{}, err
	}
	rec.Content = pt
	return c.Publish(ctx, rec)
}

// Publish stores an already built record, retrying transient failures. Publication is
// idempotent by record id, so retrying after an ambiguous failure is safe.
func (c *Client) Publish(ctx context.Context, rec model.Record) (model.Record, error) {
	var out model.Record
	err := c.do(ctx, "publish", func(ctx context.Context) error {
		var err error
		out, err = c.store.Publish(ctx, rec)
		return err
	})
	if err != nil {
		return model.Record{}, err
	}
	return out, nil
}

// Query runs f with retry.
func (c *Client) Query(ctx context.Context, f model.Filter) ([]model.Record, error) {
	var out []model.Record
	err := c.do(ctx, "query", func(ctx context.Context) error {
		var err error
		out, err = c.store.Query(ctx, f)
		return err
	})
	return out, err
}

// QueryOwn returns live records of kind authored by the owner.
func (c *Client) QueryOwn(ctx context.Context, kind model.Kind) ([]model.Record, error) {
	return c.Query(ctx, model.Filter{Kinds: []model.Kind{kind}, Authors: []string{c.Self()}})
}

// QueryAddressed returns live records of kind addressed to the owner after sinceSeq.
func (c *Client) QueryAddressed(ctx context.Context, kind model.Kind, sinceSeq int64) ([]model.Record, error) {
	return c.Query(ctx, model.Filter{Kinds: []model.Kind{kind}, Recipient: c.Self(), SinceSeq: sinceSeq})
}

// Delete tombstones one of the owner's records. Deleting a missing record is not an error.
func (c *Client) Delete(ctx context.Context, id uuid.UUID) error {
	err := c.do(ctx, "delete", func(ctx context.Context) error {
		return c.store.Delete(ctx, c.Self(), id)
	})
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

// Retire deletes one of the owner's records and fails with ErrVersionConflict when the
// record is missing or already deleted, so of several writers retiring it only one succeeds.
func (c *Client) Retire(ctx context.Context, id uuid.UUID) error {
	retried := false
	err := c.do(ctx, "retire", func(ctx context.Context) error {
		err := c.store.Delete(ctx, c.Self(), id)
		if errors.Is(err, errs.ErrNotFound) && retried {
			// an earlier attempt may have landed
			return fmt.Errorf("%w: retire %s", errs.ErrOutcomeUnknown, id)
		}
		retried = err != nil
		return err
	})
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w: record %s already deleted", errs.ErrVersionConflict, id)
	}
	return err
}

// Open decodes rec's payload into out, decrypting it when needed.
func (c *Client) Open(rec model.Record, out any) error {
	pt := rec.Content
	if rec.Encrypted {
		var err error
		pt, err = c.signer.Open(c.peer(rec), clientcrypto.RecordAAD(int(rec.Kind), rec.ID.Bytes()), rec.Content)
		if err != nil {
			return fmt.Errorf("open record %s: %w", rec.ID, err)
		}
	}
	if err := json.Unmarshal(pt, out); err != nil {
		return fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	return nil
}

// peer returns the other side of the conversation a record belongs to.
func (c *Client) peer(rec model.Record) string {
	self := c.Self()
	if rec.Author == self {
		return rec.Recipient // "" or self for self-addressed records
	}
	return rec.Author
}

func (c *Client) draft(d Draft) (model.Record, []byte, error) {
	if d.Kind == 0 {
		return model.Record{}, nil, fmt.Errorf("%w: empty kind", errs.ErrValidation)
	}
	id := d.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV4(); err != nil {
			return model.Record{}, nil, err
		}
	}
	pt, err := json.Marshal(d.Payload)
	if err != nil {
		return model.Record{}, nil, fmt.Errorf("encode payload: %w", err)
	}
	return model.Record{
		ID:        id,
		Kind:      d.Kind,
		Author:    c.Self(),
		Recipient: d.Recipient,
		ExpiresAt: d.ExpiresAt,
	}, pt, nil
}

// do runs f under the retry schedule; only transient store failures are retried.
func (c *Client) do(ctx context.Context, op string, f func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		err := f(ctx)
		if err == nil || !transient(err) {
			return err
		}
		c.log.Debug("record store retry", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		return retry.RetryableError(err)
	})
	if err != nil && transient(err) {
		return fmt.Errorf("record store %s: %w: %w", op, errs.ErrNetwork, err)
	}
	return err
}

func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrUnauthorized),
		errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrValidation),
		errors.Is(err, errs.ErrOutcomeUnknown):
		return false
	}
	return true
}
