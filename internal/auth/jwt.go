package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/sqlagent/pkg/models"
)

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Claims carries the session principal. ActiveOrg is the organization the
// user selected; Orgs lists every membership the issuer vouches for.
type Claims struct {
	Email     string   `json:"email,omitempty"`
	Name      string   `json:"name,omitempty"`
	ActiveOrg string   `json:"active_org,omitempty"`
	Orgs      []string `json:"orgs,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Tier      string   `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given principal.
func (s *JWTService) Generate(p *models.Principal) (string, error) {
	return s.GenerateWithExpiry(p, s.expiry)
}

// GenerateWithExpiry issues a token that expires after ttl. A non-positive
// ttl produces a token without expiry.
func (s *JWTService) GenerateWithExpiry(p *models.Principal, ttl time.Duration) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return "", errors.New("principal id required")
	}

	now := s.now()
	claims := Claims{
		Email:     strings.TrimSpace(p.Email),
		Name:      strings.TrimSpace(p.Name),
		ActiveOrg: strings.TrimSpace(p.ActiveOrgID),
		Orgs:      p.OrgIDs,
		Roles:     p.Roles,
		Tier:      strings.TrimSpace(p.Tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT and returns the principal embedded in it.
func (s *JWTService) Validate(token string) (*models.Principal, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

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
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &models.Principal{
		ID:          claims.Subject,
		Email:       strings.TrimSpace(claims.Email),
		Name:        strings.TrimSpace(claims.Name),
		ActiveOrgID: strings.TrimSpace(claims.ActiveOrg),
		OrgIDs:      claims.Orgs,
		Roles:       claims.Roles,
		Tier:        strings.TrimSpace(claims.Tier),
	}, nil
}
