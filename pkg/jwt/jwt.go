package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Role is the operator role carried in a token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleSupport  Role = "support"
	RoleViewer   Role = "viewer"
)

// Permission is a single capability granted by a role.
type Permission string

const (
	PermReadConversations Permission = "conversations:read"
	PermTransition        Permission = "conversations:transition"
	PermForceTransition   Permission = "conversations:force"
	PermEnrichMessages    Permission = "messages:enrich"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin:    {PermReadConversations, PermTransition, PermForceTransition, PermEnrichMessages},
	RoleOperator: {PermReadConversations, PermTransition, PermForceTransition},
	RoleSupport:  {PermReadConversations, PermTransition},
	RoleViewer:   {PermReadConversations},
}

// JWTClaims represents the claims in an operator token
type JWTClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

func (c *JWTClaims) HasPermission(p Permission) bool {
	for _, granted := range rolePermissions[c.Role] {
		if granted == p {
			return true
		}
	}
	return false
}

// Operator is the subject recorded as actor on operator transitions.
func (c *JWTClaims) Operator() string {
	return c.Subject
}

func generate(secret []byte, issuer, subject string, role Role, ttl time.Duration, now time.Time) (string, error) {
	claims := &JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func validate(secret []byte, issuer, tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if _, known := rolePermissions[claims.Role]; !known {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
