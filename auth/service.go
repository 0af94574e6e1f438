package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
)

const bcryptCost = 10

// HashPassword creates a bcrypt hash of the provided password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", common.NewFailure(err, "failed to hash password")
	}
	return string(hash), nil
}

// VerifyPassword checks a password against its bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// hashRefreshToken stores only a digest of the refresh token; a leaked
// sessions table cannot be replayed.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Service manages accounts and refresh sessions.
type Service struct {
	pg          *db.Postgres
	tokens      *TokenService
	maxSessions int
	log         *logrus.Entry
	now         func() time.Time
}

// NewService creates the auth service. maxSessions caps concurrent
// refresh sessions per user; the oldest is revoked beyond the cap.
func NewService(pg *db.Postgres, tokens *TokenService, maxSessions int, log *logrus.Logger) *Service {
	if maxSessions <= 0 {
		maxSessions = 5
	}
	return &Service{
		pg:          pg,
		tokens:      tokens,
		maxSessions: maxSessions,
		log:         log.WithField("component", "auth"),
		now:         time.Now,
	}
}

// SessionMeta carries the request attributes recorded with a session.
type SessionMeta struct {
	UserAgent string
	IP        string
}

// Login verifies credentials and opens a session.
func (s *Service) Login(ctx context.Context, username, password string, meta SessionMeta) (TokenPair, *db.User, error) {
	var user db.User
	err := s.pg.DB(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.audit(ctx, "", username, "login", false, "unknown user", meta.IP)
		return TokenPair{}, nil, common.NewAuth("invalid credentials")
	}
	if err != nil {
		return TokenPair{}, nil, db.Translate(err)
	}
	if !user.Enabled || !VerifyPassword(user.PasswordHash, password) {
		s.audit(ctx, user.ID, username, "login", false, "bad password or disabled", meta.IP)
		return TokenPair{}, nil, common.NewAuth("invalid credentials")
	}

	pair, err := s.openSession(ctx, &user, meta)
	if err != nil {
		return TokenPair{}, nil, err
	}

	now := s.now()
	user.LastLoginAt = &now
	if err := s.pg.DB(ctx).Save(&user).Error; err != nil {
		s.log.WithError(err).Warn("failed to record last login")
	}
	s.audit(ctx, user.ID, username, "login", true, "", meta.IP)
	return pair, &user, nil
}

func (s *Service) openSession(ctx context.Context, user *db.User, meta SessionMeta) (TokenPair, error) {
	principal := Principal{UserID: user.ID, Username: user.Username, Role: user.Role}
	sessionID := uuid.New().String()

	pair, err := s.tokens.GeneratePair(principal, sessionID)
	if err != nil {
		return TokenPair{}, err
	}

	now := s.now()
	session := db.UserSession{
		ID:               sessionID,
		UserID:           user.ID,
		RefreshTokenHash: hashRefreshToken(pair.RefreshToken),
		UserAgent:        meta.UserAgent,
		IP:               meta.IP,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.tokens.RefreshTTL()),
	}

	err = s.pg.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return db.Translate(err)
		}
		// Revoke the oldest live sessions beyond the cap.
		var live []db.UserSession
		err := tx.Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", user.ID, now).
			Order("created_at DESC").
			Find(&live).Error
		if err != nil {
			return db.Translate(err)
		}
		for i := s.maxSessions; i < len(live); i++ {
			if err := tx.Model(&live[i]).Update("revoked_at", now).Error; err != nil {
				return db.Translate(err)
			}
		}
		return nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// LoginExternal opens a session for an identity already verified by an
// external provider, creating the account on first login.
func (s *Service) LoginExternal(ctx context.Context, username, email string, meta SessionMeta) (TokenPair, *db.User, error) {
	var user db.User
	err := s.pg.DB(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = db.User{
			ID:       uuid.New().String(),
			Username: username,
			Email:    email,
			Role:     "viewer",
			Enabled:  true,
		}
		if err := s.pg.DB(ctx).Create(&user).Error; err != nil {
			return TokenPair{}, nil, db.Translate(err)
		}
	} else if err != nil {
		return TokenPair{}, nil, db.Translate(err)
	}
	if !user.Enabled {
		s.audit(ctx, user.ID, username, "login", false, "account disabled", meta.IP)
		return TokenPair{}, nil, common.NewAuth("account disabled")
	}

	pair, err := s.openSession(ctx, &user, meta)
	if err != nil {
		return TokenPair{}, nil, err
	}

	now := s.now()
	user.LastLoginAt = &now
	if err := s.pg.DB(ctx).Save(&user).Error; err != nil {
		s.log.WithError(err).Warn("failed to record last login")
	}
	s.audit(ctx, user.ID, username, "login", true, "external provider", meta.IP)
	return pair, &user, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the
// session's stored token hash.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta SessionMeta) (TokenPair, *db.User, error) {
	principal, sessionID, err := s.tokens.Validate(refreshToken, "refresh")
	if err != nil {
		return TokenPair{}, nil, err
	}

	var session db.UserSession
	err = s.pg.DB(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenPair{}, nil, common.NewAuth("session not found")
	}
	if err != nil {
		return TokenPair{}, nil, db.Translate(err)
	}

	now := s.now()
	switch {
	case session.RevokedAt != nil:
		return TokenPair{}, nil, common.NewAuth("session revoked")
	case now.After(session.ExpiresAt):
		return TokenPair{}, nil, common.NewAuth("session expired")
	case session.RefreshTokenHash != hashRefreshToken(refreshToken):
		// A stale refresh token after rotation: revoke the session, the
		// token may be replayed.
		s.pg.DB(ctx).Model(&session).Update("revoked_at", now)
		s.audit(ctx, principal.UserID, principal.Username, "refresh", false, "token reuse", meta.IP)
		return TokenPair{}, nil, common.NewAuth("refresh token superseded")
	}

	var user db.User
	if err := s.pg.DB(ctx).First(&user, "id = ?", session.UserID).Error; err != nil {
		return TokenPair{}, nil, db.Translate(err)
	}
	if !user.Enabled {
		return TokenPair{}, nil, common.NewAuth("account disabled")
	}

	pair, err := s.tokens.GeneratePair(Principal{UserID: user.ID, Username: user.Username, Role: user.Role}, session.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}

	session.RefreshTokenHash = hashRefreshToken(pair.RefreshToken)
	session.ExpiresAt = now.Add(s.tokens.RefreshTTL())
	if err := s.pg.DB(ctx).Save(&session).Error; err != nil {
		return TokenPair{}, nil, db.Translate(err)
	}

	s.audit(ctx, user.ID, user.Username, "refresh", true, "", meta.IP)
	return pair, &user, nil
}

// Logout revokes the session carried by the token.
func (s *Service) Logout(ctx context.Context, principal Principal, sessionID, ip string) error {
	if sessionID == "" {
		return common.NewValidation("token carries no session")
	}
	err := s.pg.DB(ctx).Model(&db.UserSession{}).
		Where("id = ? AND user_id = ?", sessionID, principal.UserID).
		Update("revoked_at", s.now()).Error
	if err != nil {
		return db.Translate(err)
	}
	s.audit(ctx, principal.UserID, principal.Username, "logout", true, "", ip)
	return nil
}

// Sessions lists a user's live sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]db.UserSession, error) {
	var sessions []db.UserSession
	err := s.pg.DB(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, s.now()).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, db.Translate(err)
	}
	return sessions, nil
}

// RevokeSession revokes one of the user's sessions by id.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) error {
	res := s.pg.DB(ctx).Model(&db.UserSession{}).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", sessionID, userID).
		Update("revoked_at", s.now())
	if res.Error != nil {
		return db.Translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return common.NewNotFound("session %s not found", sessionID)
	}
	return nil
}

// GetUser loads an account by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*db.User, error) {
	var user db.User
	err := s.pg.DB(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NewNotFound("user %s not found", userID)
	}
	if err != nil {
		return nil, db.Translate(err)
	}
	return &user, nil
}

func (s *Service) audit(ctx context.Context, userID, username, action string, success bool, detail, ip string) {
	entry := db.AuthAuditLog{
		UserID:   userID,
		Username: username,
		Action:   action,
		Success:  success,
		Detail:   detail,
		IP:       ip,
	}
	if err := s.pg.DB(ctx).Create(&entry).Error; err != nil {
		s.log.WithError(err).Warn("failed to write auth audit entry")
	}
}
