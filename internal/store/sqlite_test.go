package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username, role string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

// createTestSession is a helper that inserts a session and returns it.
func createTestSession(t *testing.T, s *SQLiteStore, userID, state string) *Session {
	t.Helper()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     "Trip to Lisbon",
		State:     state,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("createTestSession: %v", err)
	}
	return sess
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alex", "user")

	got, err := s.GetUser(ctx, "alex")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil || got.ID != u.ID {
		t.Fatalf("GetUser: got %+v, want id %s", got, u.ID)
	}
	if got.PasswordHash != "hash-alex" {
		t.Errorf("PasswordHash: got %q", got.PasswordHash)
	}

	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if byID == nil || byID.Username != "alex" {
		t.Fatalf("GetUserByID: got %+v", byID)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUser missing: %v", err)
	}
	if missing != nil {
		t.Errorf("GetUser for unknown username: got %+v, want nil", missing)
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "alex", "user")

	dup := &User{
		ID:           uuid.New().String(),
		Username:     "alex",
		PasswordHash: "other",
		Role:         "user",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), dup); err == nil {
		t.Fatal("expected unique constraint error for duplicate username")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alex", "user")
	sess := createTestSession(t, s, u.ID, "active")

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.State != "active" {
		t.Fatalf("GetSession: got %+v", got)
	}

	if err := s.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after end: %v", err)
	}
	if got.State != "ended" {
		t.Errorf("State after EndSession: got %q, want ended", got.State)
	}

	list, err := s.ListSessionsByUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessionsByUser: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSessionsByUser: got %d sessions, want 1", len(list))
	}

	unknown, err := s.GetSession(ctx, "no-such-session")
	if err != nil {
		t.Fatalf("GetSession unknown: %v", err)
	}
	if unknown != nil {
		t.Errorf("GetSession unknown: got %+v, want nil", unknown)
	}
}

func TestAddMessageAssignsSequentialSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alex", "user")
	sess := createTestSession(t, s, u.ID, "active")

	for i, content := range []string{"first", "second", "third"} {
		msg, err := s.AddMessage(ctx, sess.ID, u.ID, "user", content)
		if err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
		if msg.Seq != int64(i+1) {
			t.Errorf("message %d: seq %d, want %d", i, msg.Seq, i+1)
		}
	}

	msgs, err := s.GetMessages(ctx, sess.ID, 0, 100)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("GetMessages: got %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("message %d out of order: seq %d", i, m.Seq)
		}
	}

	// afterSeq pagination.
	tail, err := s.GetMessages(ctx, sess.ID, 1, 100)
	if err != nil {
		t.Fatalf("GetMessages afterSeq: %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "second" {
		t.Errorf("GetMessages afterSeq=1: got %d messages starting with %q", len(tail), tail[0].Content)
	}

	count, err := s.CountMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 3 {
		t.Errorf("CountMessages: got %d, want 3", count)
	}
}

func TestSeqIsPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alex", "user")
	s1 := createTestSession(t, s, u.ID, "active")
	s2 := createTestSession(t, s, u.ID, "active")

	m1, err := s.AddMessage(ctx, s1.ID, u.ID, "user", "hello")
	if err != nil {
		t.Fatal(err)
	}
	m2, err := s.AddMessage(ctx, s2.ID, u.ID, "user", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if m1.Seq != 1 || m2.Seq != 1 {
		t.Errorf("seq should start at 1 per session: got %d and %d", m1.Seq, m2.Seq)
	}
}

func TestPurgeOldMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alex", "user")
	sess := createTestSession(t, s, u.ID, "active")

	if _, err := s.AddMessage(ctx, sess.ID, u.ID, "user", "old enough"); err != nil {
		t.Fatal(err)
	}

	// Everything is older than a cutoff in the future.
	n, err := s.PurgeOldMessages(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldMessages: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d messages, want 1", n)
	}

	count, err := s.CountMessages(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("messages remaining after purge: %d", count)
	}
}
