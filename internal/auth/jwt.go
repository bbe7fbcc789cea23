package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds how long minted tokens stay valid.
const DefaultTokenTTL = 60 * time.Minute

// JWTService signs and verifies access tokens.
type JWTService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService builds a JWT helper with the given secret and TTL.
func NewJWTService(secret []byte, ttl time.Duration) *JWTService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTService{secret: secret, ttl: ttl, now: time.Now}
}

// Claims is the token payload.
type Claims struct {
	Scopes   []string `json:"scopes"`
	AuthType string   `json:"auth_type"`
	jwt.RegisteredClaims
}

// Mint issues a signed token for the subject with the given scopes.
func (s *JWTService) Mint(subject string, scopes []string, authType string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("token subject is required")
	}
	now := s.now()
	claims := Claims{
		Scopes:   scopes,
		AuthType: authType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks signature and expiry and returns the embedded identity.
// Every failure collapses to ErrInvalidToken.
func (s *JWTService) Verify(token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		Username: claims.Subject,
		Scopes:   claims.Scopes,
		AuthType: claims.AuthType,
	}, nil
}
