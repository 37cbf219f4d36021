// Package auth verifies the bearer token carried by a new connection and
// yields a stable user identity, per spec.md §4.11: local HS256 verification
// is the fast path when a signing key is configured; otherwise (or on local
// failure) verification falls back to an external AuthProvider.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/logging"
)

// Identity is the stable user identity attached to a session on successful
// authentication.
type Identity struct {
	UserID      string
	IsAnonymous bool
	DisplayName string
}

// CustomClaims is the JWT claim set this service understands, whether the
// token was minted locally or by an external provider.
type CustomClaims struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Anonymous   bool   `json:"anonymous,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies a bearer token string and returns an Identity.
type Validator interface {
	ValidateToken(ctx context.Context, tokenString string) (*Identity, error)
}

// LocalValidator verifies tokens signed with a shared HS256 secret. This is
// the fast path: no network round trip.
type LocalValidator struct {
	secret []byte
}

// NewLocalValidator builds a LocalValidator around the configured signing key.
func NewLocalValidator(signingKey string) *LocalValidator {
	return &LocalValidator{secret: []byte(signingKey)}
}

func (v *LocalValidator) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("local token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims")
	}
	return &Identity{
		UserID:      claims.Subject,
		IsAnonymous: claims.Anonymous,
		DisplayName: claims.Name,
	}, nil
}

// JWKSValidator verifies tokens issued by an external OIDC-style provider,
// fetching its signing keys from a JWKS endpoint with a refreshing cache.
// This generalizes the teacher's Auth0-specific validator into a provider
// behind the same Validator interface any other external issuer could
// implement.
type JWKSValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewJWKSValidator registers the JWKS URL derived from domain with a
// refreshing cache and verifies connectivity by fetching it once.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWKSValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

func (v *JWKSValidator) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims")
	}
	return &Identity{
		UserID:      claims.Subject,
		IsAnonymous: claims.Anonymous,
		DisplayName: claims.Name,
	}, nil
}

// Gate is the ingress auth gate: local-first, external-provider fallback.
// Falling back (or failing local verification) is logged as an internal
// warning, never surfaced to the client as an error by itself.
type Gate struct {
	local    *LocalValidator
	provider Validator
}

// NewGate wires the local validator (if a signing key is configured) and the
// external provider fallback (if one is configured). At least one must be
// non-nil.
func NewGate(local *LocalValidator, provider Validator) *Gate {
	return &Gate{local: local, provider: provider}
}

func (g *Gate) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	if g.local != nil {
		identity, err := g.local.ValidateToken(ctx, tokenString)
		if err == nil {
			return identity, nil
		}
		logging.Warn(ctx, "local token verification failed, falling back to auth provider", zap.Error(err))
	}
	if g.provider == nil {
		return nil, errors.New("unauthorized")
	}
	return g.provider.ValidateToken(ctx, tokenString)
}

// GetAllowedOriginsFromEnv reads a comma-separated list of allowed origins,
// logging and falling back to defaultEnvs when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set, using default origins: %v", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only validator that trusts the token's
// unverified claims. Used only when SKIP_AUTH=true.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	var subject, name string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}

	logging.Info(ctx, "mock validator accepted token", zap.String("subject", subject))
	return &Identity{UserID: subject, DisplayName: name}, nil
}
