package auth

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "clubkit"
	secretEnvVariable = "CLUBKIT_AUTH_SECRET"
	clockSkew         = 5 * time.Second
)

// signingKey holds the explicitly configured secret. When unset the environment is consulted.
var signingKey struct {
	sync.RWMutex
	value []byte
}

var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithIssuer(issuer),
	jwt.WithExpirationRequired(),
	jwt.WithIssuedAt(),
	jwt.WithLeeway(clockSkew),
)

// Claims carry the acting user (subject), its tenant and roles.
type Claims struct {
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Principal converts validated claims into the request principal.
func (c *Claims) Principal() Principal {
	return Principal{UserID: c.Subject, TenantID: c.Tenant, Roles: normalizeRoles(c.Roles)}
}

// SetSecret configures the HMAC secret. An empty value falls back to CLUBKIT_AUTH_SECRET.
func SetSecret(value string) {
	signingKey.Lock()
	defer signingKey.Unlock()
	if value = strings.TrimSpace(value); value == "" {
		signingKey.value = nil
		return
	}
	signingKey.value = []byte(value)
}

// ResetSecretForTests clears the configured secret.
func ResetSecretForTests() { SetSecret("") }

func key() ([]byte, error) {
	signingKey.RLock()
	v := signingKey.value
	signingKey.RUnlock()
	if v != nil {
		return v, nil
	}
	if raw := strings.TrimSpace(os.Getenv(secretEnvVariable)); raw != "" {
		return []byte(raw), nil
	}
	return nil, ErrMissingSecret
}

// GenerateToken signs an HS256 token for userID acting within tenantID.
// Unknown roles are dropped.
func GenerateToken(userID, tenantID string, roles []string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	switch {
	case userID == "" || tenantID == "":
		return "", fmt.Errorf("%w: user and tenant are required", ErrInvalidInput)
	case ttl <= 0:
		return "", fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	k, err := key()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Tenant: tenantID,
		Roles:  normalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}).SignedString(k)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate checks signature, issuer, expiry and that subject and tenant are present.
// Every failure other than a missing secret is reported as ErrInvalidToken.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	k, err := key()
	if err != nil {
		return nil, err
	}

	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return k, nil }); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Tenant) == "" {
		return nil, fmt.Errorf("%w: subject and tenant are required", ErrInvalidToken)
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return &claims, nil
}

// normalizeRoles lower-cases, dedupes and keeps only roles with a permission set.
func normalizeRoles(roles []string) []string {
	var out []string
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if _, known := rolePermissions[role]; !known {
			continue
		}
		dup := false
		for _, have := range out {
			if have == role {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, role)
		}
	}
	return out
}
