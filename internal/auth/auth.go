// Package auth issues and validates the bearer tokens that gate the
// admin API, adapted from the teacher's
// AuthService (bcrypt password hashing kept, the placeholder JWT
// replaced with a real golang-jwt/jwt/v5 implementation).
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Role is an admin-API principal's authorization level.
type Role string

const (
	// RoleViewer can read status endpoints only.
	RoleViewer Role = "viewer"
	// RoleOperator can additionally trigger a view change.
	RoleOperator Role = "operator"
)

// Principal is an authenticated caller of the admin API.
type Principal struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
}

// Claims is the JWT claim set carried in admin API bearer tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and validates tokens signed with a shared secret.
type Service struct {
	secretKey []byte
	ttl       time.Duration
}

// NewService builds a Service. secretKey comes from
// config.AdminConfig.JWTSecret.
func NewService(secretKey string, ttl time.Duration) *Service {
	return &Service{secretKey: []byte(secretKey), ttl: ttl}
}

// HashSecret hashes an operator's shared secret with bcrypt, the way
// the teacher hashes user passwords.
func (s *Service) HashSecret(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckSecret validates secret against its bcrypt hash.
func (s *Service) CheckSecret(secret, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

// GenerateToken issues a signed token for subject at role, valid for
// s.ttl.
func (s *Service) GenerateToken(subject string, role Role) (string, error) {
	if subject == "" {
		return "", errors.New("subject cannot be empty")
	}
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateToken parses and validates tokenString, returning the
// authenticated Principal.
func (s *Service) ValidateToken(tokenString string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// IsAuthorized reports whether role may perform action against the
// admin API ("read" or "write").
func IsAuthorized(role Role, action string) bool {
	switch role {
	case RoleOperator:
		return true
	case RoleViewer:
		return action == "read"
	default:
		return false
	}
}
