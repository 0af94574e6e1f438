// Package auth handles reviewer/operator authentication on the control
// surface: JWT token pairs, bcrypt password verification and refresh
// sessions persisted in the relational store.
package auth

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"stagegate.evalgo.org/common"
)

const issuer = "stagegate.evalgo.org/auth"

// Principal is the authenticated caller resolved from a token.
type Principal struct {
	UserID   string
	Username string
	Role     string
}

// TokenPair is an access/refresh token set.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenService signs and validates StageGate JWTs with HS256.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenService creates a token service. TTLs default to 30 minutes
// and 30 days.
func NewTokenService(secret string, accessTTL, refreshTTL time.Duration) *TokenService {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// AccessTTL reports the access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL reports the refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *TokenService) generate(p Principal, kind string, ttl time.Duration, sessionID string) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		Issuer(issuer).
		Subject(p.UserID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("username", p.Username).
		Claim("role", p.Role).
		Claim("token_type", kind)
	if sessionID != "" {
		builder = builder.Claim("session_id", sessionID)
	}

	token, err := builder.Build()
	if err != nil {
		return "", common.NewFailure(err, "failed to build token")
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", common.NewFailure(err, "failed to sign token")
	}
	return string(signed), nil
}

// GeneratePair issues an access/refresh pair bound to a session.
func (s *TokenService) GeneratePair(p Principal, sessionID string) (TokenPair, error) {
	access, err := s.generate(p, "access", s.accessTTL, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.generate(p, "refresh", s.refreshTTL, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Validate parses a token and checks its type claim.
func (s *TokenService) Validate(raw, wantType string) (Principal, string, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithIssuer(issuer),
		jwt.WithValidate(true))
	if err != nil {
		return Principal{}, "", common.NewAuth("invalid token")
	}

	kind, _ := token.Get("token_type")
	if kind != wantType {
		return Principal{}, "", common.NewAuth("wrong token type")
	}

	p := Principal{UserID: token.Subject()}
	if v, ok := token.Get("username"); ok {
		p.Username, _ = v.(string)
	}
	if v, ok := token.Get("role"); ok {
		p.Role, _ = v.(string)
	}
	sessionID := ""
	if v, ok := token.Get("session_id"); ok {
		sessionID, _ = v.(string)
	}
	if p.UserID == "" {
		return Principal{}, "", common.NewAuth("token has no subject")
	}
	return p, sessionID, nil
}

// ValidateAccess resolves an access token to a principal.
func (s *TokenService) ValidateAccess(raw string) (Principal, error) {
	p, _, err := s.Validate(raw, "access")
	return p, err
}
