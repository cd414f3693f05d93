package store

import (
	"context"
	"os"
	"testing"
)

// newTestStore connects to a local PostgreSQL instance, applies migrations,
// and removes leftover test rows before returning. Tests that call this
// helper require a reachable database; set POSTGRES_DSN to override the
// default.
func newTestStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/pressroom?sslmode=disable"
	}

	pg, err := Open(dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := pg.Migrate(); err != nil {
		pg.Close()
		t.Fatalf("Migrate() error: %v", err)
	}

	ctx := context.Background()
	cleanup := func() {
		pg.db.ExecContext(ctx, `DELETE FROM workflow_messages WHERE workflow_id LIKE 'test_%'`)
		pg.db.ExecContext(ctx, `DELETE FROM workflow_participants WHERE workflow_id LIKE 'test_%'`)
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		pg.Close()
	})
	return pg
}

func TestInsertMessageReturnsID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.InsertMessage(ctx, "test_wf1", "a@example.com", "message", "hello", nil, "")
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}
	if first <= 0 {
		t.Fatalf("expected a positive id, got %d", first)
	}

	second, err := store.InsertMessage(ctx, "test_wf1", "a@example.com", "message", "again", nil, "")
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}
	if second <= first {
		t.Errorf("ids should be monotonically increasing, got %d then %d", first, second)
	}
}

func TestInsertMessageWithAttachment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mediaID := int64(7)
	id, err := store.InsertMessage(ctx, "test_wf2", "a@example.com", "message", "see attached", &mediaID, "tok-123")
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}

	var gotMedia int64
	var gotToken string
	err = store.db.QueryRowContext(ctx,
		`SELECT media_file_id, share_token FROM workflow_messages WHERE id = $1`, id,
	).Scan(&gotMedia, &gotToken)
	if err != nil {
		t.Fatalf("read back message: %v", err)
	}
	if gotMedia != mediaID {
		t.Errorf("expected media_file_id %d, got %d", mediaID, gotMedia)
	}
	if gotToken != "tok-123" {
		t.Errorf("expected share_token tok-123, got %q", gotToken)
	}
}

func TestInsertMessageNullableColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.InsertMessage(ctx, "test_wf3", "a@example.com", "message", "plain", nil, "")
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}

	var mediaNull, tokenNull bool
	err = store.db.QueryRowContext(ctx,
		`SELECT media_file_id IS NULL, share_token IS NULL FROM workflow_messages WHERE id = $1`, id,
	).Scan(&mediaNull, &tokenNull)
	if err != nil {
		t.Fatalf("read back message: %v", err)
	}
	if !mediaNull {
		t.Error("expected NULL media_file_id for a plain message")
	}
	if !tokenNull {
		t.Error("expected NULL share_token when none was given")
	}
}

func TestListParticipants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, email := range []string{"c@example.com", "a@example.com", "b@example.com"} {
		_, err := store.db.ExecContext(ctx,
			`INSERT INTO workflow_participants (workflow_id, participant_email, tenant_id) VALUES ($1, $2, $3)`,
			"test_wf4", email, "tenant-1")
		if err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}

	got, err := store.ListParticipants(ctx, "test_wf4")
	if err != nil {
		t.Fatalf("ListParticipants() error: %v", err)
	}
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %d participants, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("participant %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestListParticipantsEmptyWorkflow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.ListParticipants(ctx, "test_wf_none")
	if err != nil {
		t.Fatalf("ListParticipants() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no participants, got %v", got)
	}
}
