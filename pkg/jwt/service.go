package jwt

import (
	"time"
)

const defaultExpiry = 12 * time.Hour

// Service signs and validates operator tokens
type Service struct {
	secretKey []byte
	issuer    string
	expiry    time.Duration
	now       func() time.Time
}

// NewService creates a new JWT service
func NewService(secretKey, issuer string, expiry time.Duration) *Service {
	if expiry == 0 {
		expiry = defaultExpiry
	}

	return &Service{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		expiry:    expiry,
		now:       time.Now,
	}
}

// GenerateToken issues a token for an operator with the given role
func (s *Service) GenerateToken(subject string, role Role) (string, error) {
	return generate(s.secretKey, s.issuer, subject, role, s.expiry, s.now())
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*JWTClaims, error) {
	return validate(s.secretKey, s.issuer, tokenString)
}
