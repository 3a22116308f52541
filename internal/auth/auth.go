// internal/auth/auth.go
package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Role gates what an operator may do. Roles are ordered: approver covers
// operator, operator covers viewer.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleApprover: 3,
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Allows reports whether a holder of r may act as required.
func (r Role) Allows(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Operator is one entry in the roster. Operators come from configuration,
// not the database: recovery auth must keep working while the database is
// the thing being recovered.
type Operator struct {
	Name    string
	Role    Role
	KeyHash string
}

// Claims represents JWT token claims
type Claims struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
	jwt.RegisteredClaims
}

// Service authenticates operators and issues short-lived tokens.
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration

	mu        sync.RWMutex
	operators map[string]*Operator
}

// NewService creates an auth service. The signing secret must be at least
// 32 bytes.
func NewService(jwtSecret []byte, tokenTTL time.Duration) (*Service, error) {
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(jwtSecret))
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		operators: make(map[string]*Operator),
	}, nil
}

// TokenTTL returns the lifetime of issued tokens.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// Register adds an operator with a pre-hashed key. Configuration files
// carry bcrypt hashes, never plaintext keys.
func (s *Service) Register(name string, keyHash string, role Role) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("operator name required")
	}
	if !role.Valid() {
		return fmt.Errorf("unknown role %q for operator %s", role, name)
	}
	if keyHash == "" {
		return fmt.Errorf("key hash required for operator %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.operators[name]; exists {
		return fmt.Errorf("operator %s already registered", name)
	}
	s.operators[name] = &Operator{Name: name, Role: role, KeyHash: keyHash}
	return nil
}

// AddOperator hashes a plaintext key and registers the operator.
func (s *Service) AddOperator(name, key string, role Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash operator key: %w", err)
	}
	return s.Register(name, string(hash), role)
}

// Authenticate checks an operator key and returns the matching operator.
func (s *Service) Authenticate(name, key string) (*Operator, error) {
	s.mu.RLock()
	op, exists := s.operators[strings.TrimSpace(name)]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("invalid operator credentials")
	}

	err := bcrypt.CompareHashAndPassword([]byte(op.KeyHash), []byte(key))
	if err == bcrypt.ErrMismatchedHashAndPassword {
		return nil, fmt.Errorf("invalid operator credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("compare operator key: %w", err)
	}
	return op, nil
}

// IssueToken creates a JWT for an authenticated operator.
func (s *Service) IssueToken(op *Operator) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: op.Name,
		Role: op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.Name,
			Issuer:    "recoverd",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a JWT and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("invalid role in token")
	}
	return claims, nil
}
