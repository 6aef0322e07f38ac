package middleware

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bq-gateway/internal/domain"
)

const testProject = "be-luma-infra"

// makeToken creates a signed HS256 JWT from the given secret and claims.
func makeToken(secret string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(secret))
	return signed
}

// makeRSAToken creates an RS256 JWT signed by key.
func makeRSAToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func firebaseClaimsFor(sub, email string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            FirebaseIssuer(testProject),
		"aud":            testProject,
		"sub":            sub,
		"email":          email,
		"email_verified": true,
		"iat":            time.Now().Add(-time.Minute).Unix(),
		"exp":            exp.Unix(),
	}
}

func requireAuthKind(t *testing.T, err error, kind domain.AuthErrorKind) {
	t.Helper()
	require.Error(t, err)
	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr), "expected AuthError, got %T: %v", err, err)
	assert.Equal(t, kind, authErr.Kind)
}

func TestFirebaseVerifier_Verify(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v := NewFirebaseVerifierWithKeySet(testProject, &oidc.StaticKeySet{
		PublicKeys: []crypto.PublicKey{&key.PublicKey},
	})
	hour := time.Now().Add(time.Hour)

	tests := []struct {
		name     string
		token    string
		wantKind domain.AuthErrorKind
	}{
		{name: "empty", token: "", wantKind: domain.AuthMalformed},
		{name: "not a jwt", token: "not-a-jwt", wantKind: domain.AuthMalformed},
		{name: "too many segments", token: "a.b.c.d.e", wantKind: domain.AuthMalformed},
		{
			name: "unsigned",
			token: func() string {
				s, _ := jwt.NewWithClaims(jwt.SigningMethodNone, firebaseClaimsFor("u1", "a@be-luma.com", hour)).
					SignedString(jwt.UnsafeAllowNoneSignatureType)
				return s
			}(),
			wantKind: domain.AuthMalformed,
		},
		{name: "expired", token: makeRSAToken(t, key, firebaseClaimsFor("u1", "a@be-luma.com", time.Now().Add(-time.Hour))), wantKind: domain.AuthExpired},
		{name: "wrong key", token: makeRSAToken(t, otherKey, firebaseClaimsFor("u1", "a@be-luma.com", hour)), wantKind: domain.AuthInvalidSignature},
		{
			name: "wrong audience",
			token: func() string {
				c := firebaseClaimsFor("u1", "a@be-luma.com", hour)
				c["aud"] = "other-project"
				return makeRSAToken(t, key, c)
			}(),
			wantKind: domain.AuthInvalidSignature,
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := firebaseClaimsFor("u1", "a@be-luma.com", hour)
				c["iss"] = "https://accounts.google.com"
				return makeRSAToken(t, key, c)
			}(),
			wantKind: domain.AuthInvalidSignature,
		},
		{name: "hs256 rejected", token: makeToken("secret", firebaseClaimsFor("u1", "a@be-luma.com", hour)), wantKind: domain.AuthInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			caller, err := v.Verify(context.Background(), tt.token)
			requireAuthKind(t, err, tt.wantKind)
			assert.Nil(t, caller)
		})
	}
}

func TestFirebaseVerifier_ValidTokenIsStable(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewFirebaseVerifierWithKeySet(testProject, &oidc.StaticKeySet{
		PublicKeys: []crypto.PublicKey{&key.PublicKey},
	})
	token := makeRSAToken(t, key, firebaseClaimsFor("uid-42", "Ana@Be-Luma.com", time.Now().Add(time.Hour)))

	first, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	second, err := v.Verify(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "uid-42", first.Subject)
	assert.Equal(t, "Ana@Be-Luma.com", first.Email)
	assert.Equal(t, "be-luma.com", first.EmailDomain)
	assert.True(t, first.EmailVerified)
	assert.NoError(t, v.Ready(context.Background()))
}

func TestFirebaseVerifier_Ready(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "keys present", status: http.StatusOK, body: `{"keys":[{"kid":"k1","kty":"RSA"}]}`},
		{name: "no keys", status: http.StatusOK, body: `{"keys":[]}`, wantErr: "no keys"},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantErr: "unexpected status 500"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "decode jwks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v, err := NewFirebaseVerifier(context.Background(), testProject, srv.URL)
			require.NoError(t, err)

			err = v.Ready(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewFirebaseVerifier_RequiresProject(t *testing.T) {
	t.Parallel()

	_, err := NewFirebaseVerifier(context.Background(), "", "")
	assert.Error(t, err)
}

func TestHS256Verifier_Verify(t *testing.T) {
	t.Parallel()

	const secret = "test-secret-32-bytes-long-xxxxx"
	v, err := NewHS256Verifier(secret)
	require.NoError(t, err)

	tests := []struct {
		name      string
		token     string
		wantKind  domain.AuthErrorKind
		wantSub   string
		wantEmail string
	}{
		{
			name: "valid",
			token: makeToken(secret, jwt.MapClaims{
				"sub": "dev-user", "email": "dev@example.org", "exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantSub:   "dev-user",
			wantEmail: "dev@example.org",
		},
		{
			name:     "expired",
			token:    makeToken(secret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantKind: domain.AuthExpired,
		},
		{
			name:     "missing exp",
			token:    makeToken(secret, jwt.MapClaims{"sub": "u"}),
			wantKind: domain.AuthInvalidSignature,
		},
		{
			name:     "wrong secret",
			token:    makeToken("wrong-secret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()}),
			wantKind: domain.AuthInvalidSignature,
		},
		{
			name:     "no subject",
			token:    makeToken(secret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
			wantKind: domain.AuthMalformed,
		},
		{name: "malformed", token: "not.a.valid.jwt.token", wantKind: domain.AuthMalformed},
		{name: "empty", token: "", wantKind: domain.AuthMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			caller, err := v.Verify(context.Background(), tt.token)
			if tt.wantKind != "" {
				requireAuthKind(t, err, tt.wantKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, caller.Subject)
			assert.Equal(t, tt.wantEmail, caller.Email)
		})
	}
}

func TestNewHS256Verifier_EmptySecret(t *testing.T) {
	t.Parallel()

	_, err := NewHS256Verifier("")
	assert.Error(t, err)
}

func TestMintHS256_RoundTrip(t *testing.T) {
	t.Parallel()

	token, err := MintHS256("s3cret", "cli-user", "ops@be-luma.com", time.Minute)
	require.NoError(t, err)

	v, err := NewHS256Verifier("s3cret")
	require.NoError(t, err)
	caller, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "cli-user", caller.Subject)
	assert.Equal(t, "be-luma.com", caller.EmailDomain)
	assert.True(t, caller.EmailVerified)
}
