package grpcserver

import (
	"context"
	"testing"
)

func TestWithSubject_And_SubjectFromCtx(t *testing.T) {
	t.Parallel()

	if sub, ok := SubjectFromCtx(context.Background()); ok || sub != "" {
		t.Fatalf("expected no subject in empty ctx")
	}

	ctx := WithSubject(context.Background(), "npub1")
	got, ok := SubjectFromCtx(ctx)
	if !ok || got != "npub1" {
		t.Fatalf("mismatch: got %q ok=%v", got, ok)
	}

	type ctxKey string
	const subjectKey ctxKey = "nk.subject"
	bad := context.WithValue(context.Background(), subjectKey, 42)
	if _, ok := SubjectFromCtx(bad); ok {
		t.Fatalf("expected miss on foreign key")
	}
	if _, ok := SubjectFromCtx(WithSubject(context.Background(), "")); ok {
		t.Fatalf("expected miss on empty subject")
	}
}
