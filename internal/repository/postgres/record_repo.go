package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// RecordRepo implements RecordStore using PostgreSQL.
type RecordRepo struct{ db *DB }

var _ repository.RecordStore = (*RecordRepo)(nil)

// NewRecordRepo constructs a record repository.
func NewRecordRepo(db *DB) *RecordRepo { return &RecordRepo{db: db} }

// Publish inserts a record; re-publishing the same id by the same author returns the stored row.
func (r *RecordRepo) Publish(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.ID == uuid.Nil || rec.Kind == 0 || rec.Author == "" {
		return model.Record{}, fmt.Errorf("%w: record needs id, kind and author", errs.ErrValidation)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var expires *time.Time
	if !rec.ExpiresAt.IsZero() {
		e := rec.ExpiresAt
		expires = &e
	}

	const ins = `
INSERT INTO records (id, kind, author, recipient, content, encrypted, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING
RETURNING seq`
	err := r.db.Pool.QueryRow(ctx, ins,
		rec.ID, int32(rec.Kind), rec.Author, rec.Recipient, rec.Content, rec.Encrypted, rec.CreatedAt, expires,
	).Scan(&rec.Seq)
	switch {
	case err == nil:
		rec.Deleted = false
		return rec, nil
	case errors.Is(err, pgx.ErrNoRows):
		// conflict: the id is taken
	default:
		if isUniqueViolation(err) {
			return model.Record{}, errs.ErrAlreadyExists
		}
		return model.Record{}, err
	}

	stored, err := r.get(ctx, rec.ID)
	if err != nil {
		return model.Record{}, err
	}
	if stored.Author != rec.Author {
		return model.Record{}, errs.ErrAlreadyExists
	}
	return stored, nil
}

// Query returns records matching f ordered by seq.
func (r *RecordRepo) Query(ctx context.Context, f model.Filter) ([]model.Record, error) {
	q, args := buildQuery(f)
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete tombstones a record owned by author. A record that is already a tombstone
// reports ErrNotFound.
func (r *RecordRepo) Delete(ctx context.Context, author string, id uuid.UUID) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT author, deleted FROM records WHERE id=$1 FOR UPDATE`
	const upd = `UPDATE records SET deleted=true, content=NULL WHERE id=$1 AND NOT deleted`

	var (
		owner   string
		deleted bool
	)
	if err = tx.QueryRow(ctx, sel, id).Scan(&owner, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if owner != author {
		return errs.ErrUnauthorized
	}
	if deleted {
		return errs.ErrNotFound
	}
	tag, err := tx.Exec(ctx, upd, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

const recordColumns = `id, seq, kind, author, recipient, content, encrypted, deleted, created_at, expires_at`

func (r *RecordRepo) get(ctx context.Context, id uuid.UUID) (model.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM records WHERE id=$1`
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, errs.ErrNotFound
	}
	return rec, err
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var (
		rec     model.Record
		kind    int32
		expires *time.Time
	)
	if err := row.Scan(&rec.ID, &rec.Seq, &kind, &rec.Author, &rec.Recipient, &rec.Content,
		&rec.Encrypted, &rec.Deleted, &rec.CreatedAt, &expires); err != nil {
		return model.Record{}, err
	}
	rec.Kind = model.Kind(kind)
	if expires != nil {
		rec.ExpiresAt = *expires
	}
	return rec, nil
}

// buildQuery renders a Filter into SQL with positional args.
func buildQuery(f model.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]int32, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int32(k)
		}
		add("kind = ANY($%d)", kinds)
	}
	if len(f.Authors) > 0 {
		add("author = ANY($%d)", f.Authors)
	}
	if f.Recipient != "" {
		add("recipient = $%d", f.Recipient)
	}
	if len(f.IDs) > 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id.String()
		}
		add("id = ANY($%d::uuid[])", ids)
	}
	if f.SinceSeq > 0 {
		add("seq > $%d", f.SinceSeq)
	}
	if !f.IncludeDeleted {
		where = append(where, "NOT deleted")
	}
	where = append(where, "(expires_at IS NULL OR expires_at > now())")

	var b strings.Builder
	b.WriteString(`SELECT ` + recordColumns + ` FROM records WHERE `)
	b.WriteString(strings.Join(where, " AND "))
	b.WriteString(` ORDER BY seq ASC`)
	if f.Limit > 0 {
		b.WriteString(fmt.Sprintf(` LIMIT %d`, f.Limit))
	}
	return b.String(), args
}
