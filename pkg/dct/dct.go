// Package dct implements delegation capability tokens: signed, time-bound,
// attenuated scope grants for child sessions.
//
// Attenuation is monotonic: a derived token may only narrow, never widen, the
// parent's scope set.
package dct

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/karnevil9/pkg/canonical"
	"github.com/oldeucryptoboi/karnevil9/pkg/scope"
)

// Token is a delegation capability token.
type Token struct {
	DCTID           string    `json:"dct_id"`
	ParentSessionID string    `json:"parent_session_id"`
	ChildSessionID  string    `json:"child_session_id"`
	AllowedScopes   []string  `json:"allowed_scopes"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Signature       string    `json:"signature"`
}

var (
	// ErrExpired is returned when the token's expiry has passed.
	ErrExpired = errors.New("capability token expired")

	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("capability token signature invalid")

	// ErrWiderThanParent is returned when attenuation would widen scope.
	ErrWiderThanParent = errors.New("derived token scope exceeds parent")
)

// Signer issues and validates tokens under a process-configured secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret is process configuration, never
// persisted with tokens.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// signingPayload is the exact structure covered by the HMAC.
func signingPayload(t *Token) map[string]any {
	scopes := append([]string(nil), t.AllowedScopes...)
	sort.Strings(scopes)
	return map[string]any{
		"dct_id":   t.DCTID,
		"child_id": t.ChildSessionID,
		"scopes":   scopes,
	}
}

// Issue creates and signs a token for a child session.
func (s *Signer) Issue(parentSessionID, childSessionID string, scopes []string, ttl time.Duration) (*Token, error) {
	for _, sc := range scopes {
		if _, err := scope.Parse(sc); err != nil {
			return nil, fmt.Errorf("invalid scope %q: %w", sc, err)
		}
	}
	now := time.Now()
	t := &Token{
		DCTID:           uuid.NewString(),
		ParentSessionID: parentSessionID,
		ChildSessionID:  childSessionID,
		AllowedScopes:   append([]string(nil), scopes...),
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	sig, err := canonical.HMAC(s.secret, signingPayload(t))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	t.Signature = sig
	return t, nil
}

// Verify checks signature and expiry.
func (s *Signer) Verify(t *Token, now time.Time) error {
	if !canonical.VerifyHMAC(s.secret, signingPayload(t), t.Signature) {
		return ErrBadSignature
	}
	if now.After(t.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// Attenuate derives a child token whose scopes must all be covered by the
// parent's effective scope set. The derived token expires no later than the
// parent.
func (s *Signer) Attenuate(parent *Token, childSessionID string, scopes []string, ttl time.Duration) (*Token, error) {
	if err := s.Verify(parent, time.Now()); err != nil {
		return nil, fmt.Errorf("parent token: %w", err)
	}
	for _, requested := range scopes {
		if !Covered(parent.AllowedScopes, requested) {
			return nil, fmt.Errorf("%w: %s", ErrWiderThanParent, requested)
		}
	}
	t, err := s.Issue(parent.ChildSessionID, childSessionID, scopes, ttl)
	if err != nil {
		return nil, err
	}
	if t.ExpiresAt.After(parent.ExpiresAt) {
		t.ExpiresAt = parent.ExpiresAt
		sig, err := canonical.HMAC(s.secret, signingPayload(t))
		if err != nil {
			return nil, err
		}
		t.Signature = sig
	}
	return t, nil
}

// Covered reports whether requested is covered by at least one allowed scope
// under the grant-matching algebra.
func Covered(allowed []string, requested string) bool {
	req, err := scope.Parse(requested)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		grant, err := scope.Parse(a)
		if err != nil {
			continue
		}
		if grant.Matches(req) {
			return true
		}
	}
	return false
}
