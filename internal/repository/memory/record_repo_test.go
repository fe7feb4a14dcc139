package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/model"
)

func rec(kind model.Kind, author string) model.Record {
	return model.Record{ID: uuid.Must(uuid.NewV4()), Kind: kind, Author: author, Content: []byte("c")}
}

func TestStore_PublishIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	r := rec(model.KindTokenRecord, "alice")
	got, err := s.Publish(ctx, r)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Seq)
	require.False(t, got.CreatedAt.IsZero())

	again, err := s.Publish(ctx, r)
	require.NoError(t, err)
	require.Equal(t, got.Seq, again.Seq)
	require.Equal(t, 1, s.Len())

	r.Author = "mallory"
	_, err = s.Publish(ctx, r)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = s.Publish(ctx, model.Record{Kind: model.KindHistory, Author: "a"})
	require.Error(t, err)
}

func TestStore_QueryAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	a1, _ := s.Publish(ctx, rec(model.KindTokenRecord, "alice"))
	_, _ = s.Publish(ctx, rec(model.KindHistory, "alice"))
	b1, _ := s.Publish(ctx, rec(model.KindTokenRecord, "bob"))

	out, err := s.Query(ctx, model.Filter{Kinds: []model.Kind{model.KindTokenRecord}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, a1.ID, out[0].ID)
	require.Equal(t, b1.ID, out[1].ID)

	require.ErrorIs(t, s.Delete(ctx, "bob", a1.ID), errs.ErrUnauthorized)
	require.ErrorIs(t, s.Delete(ctx, "alice", uuid.Must(uuid.NewV4())), errs.ErrNotFound)
	require.NoError(t, s.Delete(ctx, "alice", a1.ID))
	require.ErrorIs(t, s.Delete(ctx, "alice", a1.ID), errs.ErrNotFound)

	out, _ = s.Query(ctx, model.Filter{Authors: []string{"alice"}, Kinds: []model.Kind{model.KindTokenRecord}})
	require.Empty(t, out)
	out, _ = s.Query(ctx, model.Filter{Authors: []string{"alice"}, IncludeDeleted: true, Limit: 1})
	require.Len(t, out, 1)
	require.True(t, out[0].Deleted)
	require.Nil(t, out[0].Content)
}

func TestStore_ExpiredHidden(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	r := rec(model.KindQuoteNote, "alice")
	r.ExpiresAt = time.Now().Add(-time.Minute)
	_, err := s.Publish(ctx, r)
	require.NoError(t, err)
	out, _ := s.Query(ctx, model.Filter{})
	require.Empty(t, out)
}

func TestStore_ContextCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewStore()
	_, err := s.Publish(ctx, rec(model.KindHistory, "a"))
	require.ErrorIs(t, err, context.Canceled)
}
