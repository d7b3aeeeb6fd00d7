package resume

import (
	"encoding/json"
	"testing"
	"time"

	"tickarena/server/internal/auth"
)

func TestIssueAndValidate(t *testing.T) {
	store := NewStore(WithClock(func() time.Time { return time.Unix(42, 0) }))
	user := auth.User{ID: 7, Username: "gil"}
	snapshot := json.RawMessage(`{"version":1,"state":"auth_only"}`)

	token := store.Issue(user, 1, snapshot, "")
	if len(token) != 32 {
		t.Fatalf("token length = %d, want 32 hex chars", len(token))
	}

	record, ok := store.Validate(token, user.ID)
	if !ok {
		t.Fatal("token did not validate for its owner")
	}
	if record.SnapshotVersion != 1 || string(record.Snapshot) != string(snapshot) {
		t.Fatalf("record = %+v", record)
	}
	if !record.IssuedAt.Equal(time.Unix(42, 0)) {
		t.Fatalf("issuedAt = %v", record.IssuedAt)
	}
}

func TestValidateRejectsForeignUser(t *testing.T) {
	store := NewStore()
	token := store.Issue(auth.User{ID: 1, Username: "own"}, 1, nil, "")

	if _, ok := store.Validate(token, 2); ok {
		t.Fatal("token validated for a different user id")
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	store := NewStore()
	if _, ok := store.Validate("deadbeefdeadbeefdeadbeefdeadbeef", 1); ok {
		t.Fatal("unknown token validated")
	}
}

func TestIssueRetiresPreviousToken(t *testing.T) {
	store := NewStore()
	user := auth.User{ID: 3, Username: "hue"}

	first := store.Issue(user, 1, nil, "")
	second := store.Issue(user, 1, nil, first)

	//1.- The replaced token must be gone, not merely shadowed.
	if _, ok := store.Validate(first, user.ID); ok {
		t.Fatal("retired token still validates")
	}
	if _, ok := store.Validate(second, user.ID); !ok {
		t.Fatal("fresh token does not validate")
	}
	if store.Len() != 1 {
		t.Fatalf("store holds %d tokens, want 1", store.Len())
	}
}
