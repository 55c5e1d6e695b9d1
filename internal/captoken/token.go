// Package captoken mints and verifies short-lived capability tokens that
// authorize a single user to download a single stored object.
//
// Wire format: body.sig
//   - body = URL-safe base64 (no padding) of the JSON claims {"u":..,"k":..,"e":..}
//   - sig  = URL-safe base64 (no padding) of HMAC-SHA256(body, secret)
//
// The encoding is deterministic because the claims struct is marshalled with
// a fixed field order, so parse∘format is the identity for well-formed tokens.
package captoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL is the token lifetime used by Mint.
const DefaultTTL = time.Hour

var (
	// ErrMalformed indicates the token is not body.sig with valid base64 parts.
	ErrMalformed = errors.New("captoken: malformed token")
	// ErrBadSignature indicates the HMAC does not match.
	ErrBadSignature = errors.New("captoken: signature mismatch")
	// ErrExpired indicates the expiry is not in the future.
	ErrExpired = errors.New("captoken: token expired")
	// ErrSubjectMismatch indicates the presenter is not the token subject.
	ErrSubjectMismatch = errors.New("captoken: subject mismatch")
)

// Claims are the authenticated assertions carried by a token.
type Claims struct {
	Subject string `json:"u"` // user the token was minted for
	Key     string `json:"k"` // stored-object key the token unlocks
	Expiry  int64  `json:"e"` // unix seconds
}

// Minter mints and verifies tokens with a shared secret.
// Safe for concurrent use; the secret is never mutated after construction.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time // test seam
}

// New creates a Minter. A non-positive ttl selects DefaultTTL.
func New(secret string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint returns a token authorizing subject to fetch key until now+ttl.
func (m *Minter) Mint(subject, key string) string {
	return m.MintUntil(subject, key, m.now().Add(m.ttl))
}

// MintUntil returns a token with an explicit expiry.
func (m *Minter) MintUntil(subject, key string, expiry time.Time) string {
	claims := Claims{Subject: subject, Key: key, Expiry: expiry.Unix()}
	raw, _ := json.Marshal(claims) // cannot fail for this struct
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + m.sign(body)
}

// Verify checks the signature, expiry and subject of a token. On success the
// decoded claims are returned; any deviation yields a nil Claims and a
// sentinel error.
func (m *Minter) Verify(token, expectedSubject string) (*Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return nil, ErrMalformed
	}

	// Constant-time signature check before anything else.
	want := m.sign(body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return nil, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !m.now().Before(time.Unix(claims.Expiry, 0)) {
		return nil, ErrExpired
	}
	if claims.Subject != expectedSubject {
		return nil, ErrSubjectMismatch
	}
	return &claims, nil
}

func (m *Minter) sign(body string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
