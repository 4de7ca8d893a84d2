// Package auth turns request credentials into a models.Principal. It only
// validates credentials; tenant selection happens in the tenant package.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/sqlagent/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`

	// RequiredRole, when set, must be held by the principal to run queries.
	RequiredRole string `yaml:"required_role"`
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key    string   `yaml:"key"`
	UserID string   `yaml:"user_id"`
	Email  string   `yaml:"email"`
	Name   string   `yaml:"name"`
	OrgIDs []string `yaml:"org_ids"`
	Roles  []string `yaml:"roles"`
	Tier   string   `yaml:"tier"`
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*models.Principal
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether any credential type is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// JWT returns the token service, or nil when JWT auth is disabled.
func (s *Service) JWT() *JWTService {
	if s == nil {
		return nil
	}
	return s.jwt
}

// ValidateJWT validates a JWT and returns the associated principal.
func (s *Service) ValidateJWT(token string) (*models.Principal, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated principal.
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*models.Principal, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matched *models.Principal
	for storedKey, principal := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched = principal
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	copied := *matched
	return &copied, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*models.Principal {
	out := map[string]*models.Principal{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		p := &models.Principal{
			ID:     userID,
			Email:  strings.TrimSpace(entry.Email),
			Name:   strings.TrimSpace(entry.Name),
			OrgIDs: entry.OrgIDs,
			Roles:  entry.Roles,
			Tier:   strings.TrimSpace(entry.Tier),
		}
		// A key bound to exactly one organization selects it implicitly.
		if len(entry.OrgIDs) == 1 {
			p.ActiveOrgID = strings.TrimSpace(entry.OrgIDs[0])
		}
		out[key] = p
	}
	return out
}
