// Package auth verifies bearer credentials presented at connection time and
// resolves them to user identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"treehub/internal/model"
	"treehub/internal/store"
)

var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrExpiredCredential   = errors.New("expired credential")
	ErrUnknownSubject      = errors.New("unknown subject")
	ErrVerifierTimeout     = errors.New("identity verification timed out")
	ErrIdentityUnavailable = errors.New("identity store unavailable")
)

const defaultTimeout = 5 * time.Second

// Reason maps a verification error to the refusal code sent to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpiredCredential):
		return "expired_credential"
	case errors.Is(err, ErrUnknownSubject):
		return "unknown_subject"
	case errors.Is(err, ErrVerifierTimeout):
		return "auth_timeout"
	case errors.Is(err, ErrIdentityUnavailable):
		return "identity_unavailable"
	default:
		return "malformed_credential"
	}
}

// Options tunes a Verifier.
type Options struct {
	Issuer  string
	Timeout time.Duration
	NowFn   func() time.Time
}

// Verifier checks HS256 tokens and resolves their subject.
type Verifier struct {
	secret  []byte
	users   store.IdentityStore
	parser  *jwt.Parser
	timeout time.Duration
}

// NewVerifier builds a verifier. The secret must not be empty.
func NewVerifier(secret []byte, users store.IdentityStore, opts Options) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth secret is required")
	}
	if users == nil {
		return nil, errors.New("identity store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.NowFn != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.NowFn))
	}

	return &Verifier{
		secret:  append([]byte(nil), secret...),
		users:   users,
		parser:  jwt.NewParser(parserOpts...),
		timeout: opts.Timeout,
	}, nil
}

// Verify validates the credential and resolves its subject. It never falls
// back to the raw subject: every failure is an error.
func (v *Verifier) Verify(ctx context.Context, credential string) (model.Identity, error) {
	subject, err := v.subject(credential)
	if err != nil {
		return model.Identity{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type result struct {
		identity model.Identity
		err      error
	}
	// buffered: the resolver may finish after we stop waiting
	done := make(chan result, 1)
	go func() {
		identity, err := v.users.Resolve(ctx, subject)
		done <- result{identity, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Identity{}, ErrVerifierTimeout
		}
		return model.Identity{}, ctx.Err()
	case res := <-done:
		switch {
		case res.err == nil:
		case errors.Is(res.err, store.ErrNotFound):
			return model.Identity{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
		case errors.Is(res.err, context.DeadlineExceeded):
			return model.Identity{}, ErrVerifierTimeout
		default:
			return model.Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, res.err)
		}
		if res.identity.ID != subject {
			return model.Identity{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
		}
		return res.identity, nil
	}
}

func (v *Verifier) subject(credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformedCredential)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredCredential
		}
		return "", fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrMalformedCredential)
	}
	return claims.Subject, nil
}

// BearerToken extracts the credential from the Authorization header or,
// for browser websocket clients that cannot set headers, the access_token
// query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Issuer mints tokens the Verifier accepts. Production tokens come from the
// account service; this is for tooling and tests.
type Issuer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	NowFn  func() time.Time
}

// Issue signs a token for subject.
func (i Issuer) Issue(subject string) (string, error) {
	now := time.Now()
	if i.NowFn != nil {
		now = i.NowFn()
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
}
