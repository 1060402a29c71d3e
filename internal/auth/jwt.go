package auth

import (
	"errors"
	"fmt"
	"time"

	"outbound-dialer/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// roleAgent mirrors rbac.RoleAgent; auth cannot import rbac.
const roleAgent = "agent"

// clockSkew is tolerated on exp/iat between the ops tooling and this process.
const clockSkew = 30 * time.Second

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenType    = errors.New("auth: token type mismatch")
	ErrIdentity     = errors.New("auth: incomplete identity")
)

// Manager signs and verifies HS256 tokens for the operational API. Supervisors
// carry only a user id and role; agent tokens are also bound to one agent id.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Identity is what a token asserts about its bearer.
type Identity struct {
	UserID  string
	AgentID string
	Role    string
}

func (id Identity) validate() error {
	switch {
	case id.UserID == "":
		return fmt.Errorf("%w: user_id missing", ErrIdentity)
	case id.Role == "":
		return fmt.Errorf("%w: role missing", ErrIdentity)
	case id.Role == roleAgent && id.AgentID == "":
		return fmt.Errorf("%w: agent_id missing in agent token", ErrIdentity)
	}
	return nil
}

func (m *Manager) IssuePair(now time.Time, userID, agentID, role string) (TokenPair, error) {
	return m.issuePair(now, Identity{UserID: userID, AgentID: agentID, Role: role})
}

// Refresh exchanges a valid refresh token for a new pair with the same identity.
// Agent consoles stay logged in across shifts this way without re-issuing by hand.
func (m *Manager) Refresh(refreshToken string, now time.Time) (TokenPair, error) {
	c, err := m.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	return m.issuePair(now, c.identity())
}

func (m *Manager) issuePair(now time.Time, id Identity) (TokenPair, error) {
	if err := id.validate(); err != nil {
		return TokenPair{}, err
	}
	access, err := m.sign(now, TokenTypeAccess, id, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(now, TokenTypeRefresh, id, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify checks signature, time claims, issuer/audience when configured, the
// token type and the identity carried in the claims.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	if err := claims.identity().validate(); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (m *Manager) sign(now time.Time, tokenType TokenType, id Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:    id.UserID,
		AgentID:   id.AgentID,
		Role:      id.Role,
		TokenType: tokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
