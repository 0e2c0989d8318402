// Package token issues and verifies the short-lived relay tokens that stand in
// for raw media URLs.
//
// Wire format (four dot-separated fields):
//
//	payload.expires.fingerprint.signature
//
// payload is the obfuscated media URL, expires is the absolute expiry in Unix
// milliseconds, fingerprint is the device binding and signature is the hex
// HMAC-SHA256 of "payload.expires.fingerprint" under the server secret.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cinerelay/internal/obfuscate"
)

// DefaultTTL is the lifetime of every issued token.
const DefaultTTL = 60 * time.Second

var (
	ErrMalformed    = errors.New("token: malformed")
	ErrExpired      = errors.New("token: expired")
	ErrUnauthorized = errors.New("token: unauthorized")

	ErrSignatureInvalid    = fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	ErrFingerprintMismatch = fmt.Errorf("%w: fingerprint mismatch", ErrUnauthorized)
)

// Token is a freshly issued credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Options struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Signer is safe for concurrent use; it holds no mutable state.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(opts Options) (*Signer, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("token: empty secret")
	}
	s := &Signer{
		secret: append([]byte(nil), opts.Secret...),
		ttl:    opts.TTL,
		now:    opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// TTL returns the lifetime applied to issued tokens.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

func (s *Signer) Sign(rawURL, fingerprint string) (Token, error) {
	if rawURL == "" {
		return Token{}, fmt.Errorf("%w: empty url", ErrMalformed)
	}
	if fingerprint == "" || strings.Contains(fingerprint, ".") {
		return Token{}, fmt.Errorf("%w: invalid fingerprint", ErrMalformed)
	}
	expiresAt := s.now().Add(s.ttl).Truncate(time.Millisecond)
	payload := obfuscate.Encode(rawURL)
	expires := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	sig := s.mac(payload, expires, fingerprint)
	return Token{
		Value:     payload + "." + expires + "." + fingerprint + "." + sig,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify returns the media URL carried by value when the token is authentic,
// bound to fingerprint and not yet expired.
//
// Checks run shape, signature, fingerprint, expiry. A token presented from a
// different device is reported as unauthorized even when it has also expired.
func (s *Signer) Verify(value, fingerprint string) (string, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: %d fields", ErrMalformed, len(parts))
	}
	payload, expires, boundFP, sig := parts[0], parts[1], parts[2], parts[3]
	if payload == "" || expires == "" || boundFP == "" || sig == "" {
		return "", fmt.Errorf("%w: empty field", ErrMalformed)
	}
	expiresMs, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: expiry %q", ErrMalformed, expires)
	}

	want := s.mac(payload, expires, boundFP)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(boundFP), []byte(fingerprint)) {
		return "", ErrFingerprintMismatch
	}
	if s.now().UnixMilli() > expiresMs {
		return "", fmt.Errorf("%w: at %d", ErrExpired, expiresMs)
	}

	raw, err := obfuscate.Decode(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}

func (s *Signer) mac(payload, expires, fingerprint string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	m.Write([]byte{'.'})
	m.Write([]byte(expires))
	m.Write([]byte{'.'})
	m.Write([]byte(fingerprint))
	return hex.EncodeToString(m.Sum(nil))
}

// Reason maps a verification error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrFingerprintMismatch):
		return "fingerprint"
	case errors.Is(err, ErrUnauthorized):
		return "signature"
	default:
		return "unknown"
	}
}
