// Package auth authenticates API callers with HS256 bearer tokens.
//
// Tokens are minted by the marketplace's identity service; this package only
// verifies them. The subject claim is the user ID, and operators carry the
// "operator" role.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gigmarket/trustcore/internal/apperr"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Role is the caller's authorization class.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
)

// Claims are the token claims this service reads.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsOperator reports whether p may act on operator routes.
func (p *Principal) IsOperator() bool {
	return p != nil && p.Role == RoleOperator
}

// CanAccess reports whether p may read resources owned by ownerID.
func (p *Principal) CanAccess(ownerID string) bool {
	return p != nil && (p.ID == ownerID || p.IsOperator())
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for subject. It exists for tests and local tooling.
func (v *Verifier) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a token and returns its principal.
func (v *Verifier) Verify(tokenStr string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleOperator {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	return &Principal{ID: claims.Subject, Role: role}, nil
}

// ErrNotOperator is returned when a user attempts an operator action.
var ErrNotOperator = fmt.Errorf("%w: operator role required", apperr.ErrPermissionDenied)
