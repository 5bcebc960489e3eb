package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treehub/internal/model"
	"treehub/internal/store"
	"treehub/internal/store/memory"
)

var testSecret = []byte("test-secret")

func newTestVerifier(t *testing.T, users store.IdentityStore, opts Options) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, users, opts)
	require.NoError(t, err)
	return v
}

func seededUsers(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.PutUser(context.Background(), model.Identity{ID: "alice", Name: "Alice", Avatar: "a.png"}))
	return s
}

func TestVerifyResolvesIdentity(t *testing.T) {
	v := newTestVerifier(t, seededUsers(t), Options{})
	token, err := Issuer{Secret: testSecret}.Issue("alice")
	require.NoError(t, err)

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, model.Identity{ID: "alice", Name: "Alice", Avatar: "a.png"}, identity)
}

func TestVerifyFailures(t *testing.T) {
	users := seededUsers(t)
	v := newTestVerifier(t, users, Options{Issuer: "treehub"})

	expired, err := Issuer{Secret: testSecret, Issuer: "treehub", NowFn: func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}}.Issue("alice")
	require.NoError(t, err)

	wrongKey, err := Issuer{Secret: []byte("other"), Issuer: "treehub"}.Issue("alice")
	require.NoError(t, err)

	wrongIssuer, err := Issuer{Secret: testSecret, Issuer: "elsewhere"}.Issue("alice")
	require.NoError(t, err)

	ghost, err := Issuer{Secret: testSecret, Issuer: "treehub"}.Issue("ghost")
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice", Issuer: "treehub"}).SignedString(testSecret)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "treehub", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		want   error
		reason string
	}{
		{"empty", "", ErrMalformedCredential, "malformed_credential"},
		{"garbage", "not.a.jwt", ErrMalformedCredential, "malformed_credential"},
		{"expired", expired, ErrExpiredCredential, "expired_credential"},
		{"wrong key", wrongKey, ErrMalformedCredential, "malformed_credential"},
		{"wrong issuer", wrongIssuer, ErrMalformedCredential, "malformed_credential"},
		{"no expiry", noExpiry, ErrMalformedCredential, "malformed_credential"},
		{"no subject", noSubject, ErrMalformedCredential, "malformed_credential"},
		{"unknown subject", ghost, ErrUnknownSubject, "unknown_subject"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			identity, err := v.Verify(context.Background(), tc.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, tc.reason, Reason(err))
			assert.Empty(t, identity.ID, "no identity may leak out of a failed verification")
		})
	}
}

type hangingUsers struct{ release chan struct{} }

func (h hangingUsers) Resolve(context.Context, string) (model.Identity, error) {
	<-h.release
	return model.Identity{ID: "alice"}, nil
}

func (h hangingUsers) PutUser(context.Context, model.Identity) error { return nil }

func TestVerifyTimesOutOnHangingStore(t *testing.T) {
	users := hangingUsers{release: make(chan struct{})}
	t.Cleanup(func() { close(users.release) })

	v := newTestVerifier(t, users, Options{Timeout: 50 * time.Millisecond})
	token, err := Issuer{Secret: testSecret}.Issue("alice")
	require.NoError(t, err)

	start := time.Now()
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrVerifierTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "auth_timeout", Reason(err))
}

type brokenUsers struct{}

func (brokenUsers) Resolve(context.Context, string) (model.Identity, error) {
	return model.Identity{}, errors.New("connection refused")
}

func (brokenUsers) PutUser(context.Context, model.Identity) error { return nil }

func TestVerifyRefusesWhenStoreFails(t *testing.T) {
	v := newTestVerifier(t, brokenUsers{}, Options{})
	token, err := Issuer{Secret: testSecret}.Issue("alice")
	require.NoError(t, err)

	identity, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
	assert.Empty(t, identity.ID)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?access_token=fromquery", nil)
	assert.Equal(t, "fromquery", BearerToken(r))

	r.Header.Set("Authorization", "Bearer fromheader")
	assert.Equal(t, "fromheader", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))
}

func TestNewVerifierValidation(t *testing.T) {
	_, err := NewVerifier(nil, memory.New(), Options{})
	assert.Error(t, err)
	_, err = NewVerifier(testSecret, nil, Options{})
	assert.Error(t, err)
}
