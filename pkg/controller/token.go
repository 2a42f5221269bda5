package controller

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// RegistrationToken is the opaque, not-reused credential returned to a
// worker on successful registration (spec §4.5.1).
type RegistrationToken struct {
	Token    string
	WorkerID string
}

// TokenManager issues and tracks registration tokens. IssueToken always
// mints a fresh token and invalidates any prior one for the worker_id;
// callers that need idempotent re-registration (spec §8) are responsible
// for skipping the call and reusing the worker's existing token instead.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*RegistrationToken
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*RegistrationToken)}
}

// IssueToken generates and records a new opaque token for workerID,
// invalidating any token previously issued for that worker.
func (tm *TokenManager) IssueToken(workerID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate registration token: %w", err)
	}
	token := hex.EncodeToString(raw)

	tm.mu.Lock()
	defer tm.mu.Unlock()
	for existing, rt := range tm.tokens {
		if rt.WorkerID == workerID {
			delete(tm.tokens, existing)
		}
	}
	tm.tokens[token] = &RegistrationToken{Token: token, WorkerID: workerID}
	return token, nil
}

// WorkerForToken returns the worker_id a token was issued for, if any.
func (tm *TokenManager) WorkerForToken(token string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	rt, ok := tm.tokens[token]
	if !ok {
		return "", false
	}
	return rt.WorkerID, true
}

// RevokeToken discards a token, e.g. on deregistration or revocation.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.tokens, token)
}
