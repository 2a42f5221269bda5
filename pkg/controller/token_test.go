package controller

import "testing"

func TestTokenManager_IssueAndLookup(t *testing.T) {
	tm := NewTokenManager()

	token, err := tm.IssueToken("worker-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}

	workerID, ok := tm.WorkerForToken(token)
	if !ok {
		t.Fatal("expected token lookup to succeed")
	}
	if workerID != "worker-1" {
		t.Errorf("worker_id = %q, want worker-1", workerID)
	}
}

// TestTokenManager_IssueTokenAlwaysMintsFresh exercises the low-level
// IssueToken primitive in isolation: it always invalidates whatever
// token it last handed out for a worker_id. Idempotent re-registration
// (reusing a token instead of calling IssueToken again) is Registry's
// responsibility, tested in registry_test.go.
func TestTokenManager_IssueTokenAlwaysMintsFresh(t *testing.T) {
	tm := NewTokenManager()

	first, err := tm.IssueToken("worker-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	second, err := tm.IssueToken("worker-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if first == second {
		t.Fatal("expected IssueToken to mint a fresh token each call")
	}

	if _, ok := tm.WorkerForToken(first); ok {
		t.Error("prior token should be invalidated after reissue")
	}
	if _, ok := tm.WorkerForToken(second); !ok {
		t.Error("new token should resolve")
	}
}

func TestTokenManager_RevokeToken(t *testing.T) {
	tm := NewTokenManager()
	token, err := tm.IssueToken("worker-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	tm.RevokeToken(token)
	if _, ok := tm.WorkerForToken(token); ok {
		t.Error("expected revoked token to no longer resolve")
	}
}
