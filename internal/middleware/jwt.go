// Package middleware provides token verification and HTTP middleware for the
// gateway.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"bq-gateway/internal/domain"
)

// FirebaseJWKSURL is Google's published key set for Firebase ID tokens.
const FirebaseJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// FirebaseIssuer returns the issuer Firebase stamps on ID tokens for projectID.
func FirebaseIssuer(projectID string) string {
	return "https://securetoken.google.com/" + projectID
}

// firebaseClaims are the Firebase-specific claims the gateway reads.
type firebaseClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// FirebaseVerifier verifies Firebase ID tokens against Google's JWKS.
type FirebaseVerifier struct {
	verifier *oidc.IDTokenVerifier
	jwksURL  string
	client   *http.Client
}

var _ domain.TokenVerifier = (*FirebaseVerifier)(nil)

// NewFirebaseVerifier creates a verifier for tokens issued to projectID. The
// remote key set is fetched lazily and cached by go-oidc. An empty jwksURL
// selects FirebaseJWKSURL.
func NewFirebaseVerifier(ctx context.Context, projectID, jwksURL string) (*FirebaseVerifier, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}
	if jwksURL == "" {
		jwksURL = FirebaseJWKSURL
	}
	client := &http.Client{Timeout: 10 * time.Second}
	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, client), jwksURL)
	v := NewFirebaseVerifierWithKeySet(projectID, keySet)
	v.jwksURL = jwksURL
	v.client = client
	return v, nil
}

// NewFirebaseVerifierWithKeySet creates a verifier over an explicit key set,
// e.g. an oidc.StaticKeySet in tests. Ready always succeeds for it.
func NewFirebaseVerifierWithKeySet(projectID string, keySet oidc.KeySet) *FirebaseVerifier {
	verifier := oidc.NewVerifier(FirebaseIssuer(projectID), keySet, &oidc.Config{
		ClientID:             projectID,
		SupportedSigningAlgs: []string{oidc.RS256},
	})
	return &FirebaseVerifier{verifier: verifier}
}

// Verify checks the token's signature, issuer, audience and expiry and
// returns the caller it identifies.
func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (*domain.Caller, error) {
	if err := precheck(token); err != nil {
		return nil, err
	}

	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, classify(err)
	}
	if idToken.Subject == "" {
		return nil, domain.ErrAuth(domain.AuthMalformed, errors.New("token has no subject"))
	}

	var claims firebaseClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, domain.ErrAuth(domain.AuthMalformed, fmt.Errorf("parse claims: %w", err))
	}
	return domain.NewCaller(idToken.Subject, claims.Email, claims.EmailVerified), nil
}

// Ready fetches the JWKS once and checks it carries at least one key.
func (v *FirebaseVerifier) Ready(ctx context.Context) error {
	if v.jwksURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}
	var keys struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&keys); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	if len(keys.Keys) == 0 {
		return errors.New("jwks contains no keys")
	}
	return nil
}

// HS256Verifier verifies tokens signed with a shared secret. It is for local
// development only; configuration refuses it in production.
type HS256Verifier struct {
	secret []byte
}

var _ domain.TokenVerifier = (*HS256Verifier)(nil)

// NewHS256Verifier creates a verifier for local/dev HS256 tokens.
func NewHS256Verifier(secret string) (*HS256Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &HS256Verifier{secret: []byte(secret)}, nil
}

// Verify checks an HS256 signature and expiry and extracts the caller.
func (v *HS256Verifier) Verify(_ context.Context, token string) (*domain.Caller, error) {
	if err := precheck(token); err != nil {
		return nil, err
	}

	tok, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrAuth(domain.AuthExpired, err)
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, domain.ErrAuth(domain.AuthMalformed, err)
		}
		return nil, domain.ErrAuth(domain.AuthInvalidSignature, err)
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, domain.ErrAuth(domain.AuthMalformed, fmt.Errorf("unsupported claim type %T", tok.Claims))
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, domain.ErrAuth(domain.AuthMalformed, errors.New("token has no subject"))
	}
	email, _ := claims["email"].(string)
	verified, _ := claims["email_verified"].(bool)
	return domain.NewCaller(sub, email, verified), nil
}

// Ready always succeeds: the key is local.
func (v *HS256Verifier) Ready(context.Context) error { return nil }

// MintHS256 signs a development token for subject and email valid for ttl.
func MintHS256(secret, subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":            subject,
		"email":          email,
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(ttl).Unix(),
	})
	return tok.SignedString([]byte(secret))
}

// precheck rejects tokens that are not structurally a signed JWT.
func precheck(token string) error {
	if token == "" {
		return domain.ErrAuth(domain.AuthMalformed, errors.New("token is empty"))
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return domain.ErrAuth(domain.AuthMalformed, err)
	}
	if alg, _ := parsed.Header["alg"].(string); alg == "" || alg == "none" {
		return domain.ErrAuth(domain.AuthMalformed, errors.New("token is unsigned"))
	}
	return nil
}

// classify maps go-oidc verification failures onto auth error kinds.
func classify(err error) error {
	var expired *oidc.TokenExpiredError
	if errors.As(err, &expired) {
		return domain.ErrAuth(domain.AuthExpired, err)
	}
	return domain.ErrAuth(domain.AuthInvalidSignature, err)
}
