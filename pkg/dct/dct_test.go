package dct

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	s := NewSigner([]byte("secret"))

	tok, err := s.Issue("parent", "child", []string{"fs:read:*", "net:fetch:*"}, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.DCTID)
	assert.NotEmpty(t, tok.Signature)

	require.NoError(t, s.Verify(tok, time.Now()))

	// Tampered scopes fail verification.
	tok.AllowedScopes = append(tok.AllowedScopes, "shell:exec:*")
	assert.ErrorIs(t, s.Verify(tok, time.Now()), ErrBadSignature)
}

func TestVerifyExpiry(t *testing.T) {
	s := NewSigner([]byte("secret"))
	tok, err := s.Issue("parent", "child", []string{"fs:read:*"}, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, s.Verify(tok, time.Now()))
	assert.ErrorIs(t, s.Verify(tok, time.Now().Add(2*time.Minute)), ErrExpired)
}

func TestIssueRejectsWildcardDomain(t *testing.T) {
	s := NewSigner([]byte("secret"))
	_, err := s.Issue("parent", "child", []string{"*:read:/tmp"}, time.Hour)
	assert.Error(t, err)
}

func TestAttenuationMonotonic(t *testing.T) {
	s := NewSigner([]byte("secret"))
	parent, err := s.Issue("root", "mid", []string{"fs:read:*", "net:*:*"}, time.Hour)
	require.NoError(t, err)

	// Narrowing is allowed.
	child, err := s.Attenuate(parent, "leaf", []string{"fs:read:/tmp/data", "net:fetch:https://a.example"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Verify(child, time.Now()))

	// Widening is rejected.
	_, err = s.Attenuate(parent, "leaf2", []string{"fs:write:/tmp"}, time.Hour)
	assert.True(t, errors.Is(err, ErrWiderThanParent))

	// Child expiry is clamped to the parent's.
	shortParent, err := s.Issue("root", "mid", []string{"fs:read:*"}, time.Minute)
	require.NoError(t, err)
	clamped, err := s.Attenuate(shortParent, "leaf", []string{"fs:read:/x"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, clamped.ExpiresAt.After(shortParent.ExpiresAt))
	require.NoError(t, s.Verify(clamped, time.Now()))
}

func TestCovered(t *testing.T) {
	allowed := []string{"fs:read:*", "net:fetch:https://a.example"}

	assert.True(t, Covered(allowed, "fs:read:/any/path"))
	assert.True(t, Covered(allowed, "net:fetch:https://a.example"))
	assert.False(t, Covered(allowed, "net:fetch:https://b.example"))
	assert.False(t, Covered(allowed, "shell:exec:ls"))
}
