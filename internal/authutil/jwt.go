package authutil

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSecret = "dev-secret-change-me"
	defaultTTL    = 24 * time.Hour
)

// Issuer signs and validates control API tokens. The subject is the peer id
// of the node the token was issued by.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an HS256 issuer. An empty secret falls back to a
// development default.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if secret == "" {
		secret = defaultSecret
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed JWT for subject.
func (i *Issuer) Issue(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("empty subject")
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses tokenStr, checks signature and expiry, and returns the subject.
func (i *Issuer) Validate(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.New("empty token")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.Subject, nil
}
