// Package account はidentityの作成、ワンタイムコードの発行・検証、セッション管理を提供する。
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/notify"
	"github.com/hitoshi/handleclaim/internal/repository"
	"github.com/hitoshi/handleclaim/internal/security"
)

const (
	// DefaultSessionMaxAge はセッションのデフォルト有効期間。
	DefaultSessionMaxAge = 7 * 24 * time.Hour
	// DefaultCodeTTL はワンタイムコードのデフォルト有効期間。
	DefaultCodeTTL = 15 * time.Minute
	// DefaultResendInterval は同一identityへのコード再発行の最短間隔。
	DefaultResendInterval = 30 * time.Second
	// DefaultMaxCodeAttempts は1つのコードに対して許す誤入力の回数。
	// 達した時点でidentityの未使用コードをすべて無効にする。
	DefaultMaxCodeAttempts = 5
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
)

// ServiceConfig はアカウントサービスの設定。
type ServiceConfig struct {
	SessionMaxAge   time.Duration
	CodeTTL         time.Duration
	ResendInterval  time.Duration
	MaxCodeAttempts int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = DefaultSessionMaxAge
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.ResendInterval < 0 {
		c.ResendInterval = 0
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	return c
}

// CreateIdentityInput はidentity作成の入力。
type CreateIdentityInput struct {
	Email    string
	Phone    string
	Password string
}

// Account は現在のidentityと取得済みユーザー名を表す。
type Account struct {
	Identity *model.Identity
	Username *model.UsernameRecord // 未取得の場合はnil
}

// Service はアカウントに関するビジネスロジックを提供する。
type Service struct {
	identRepo    repository.IdentityRepository
	tokenRepo    repository.VerificationTokenRepository
	sessionRepo  repository.SessionRepository
	usernameRepo repository.UsernameRepository
	hasher       *security.Hasher
	issuer       *security.TokenIssuer
	dispatcher   notify.Dispatcher
	config       ServiceConfig
	now          func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	identRepo repository.IdentityRepository,
	tokenRepo repository.VerificationTokenRepository,
	sessionRepo repository.SessionRepository,
	usernameRepo repository.UsernameRepository,
	hasher *security.Hasher,
	issuer *security.TokenIssuer,
	dispatcher notify.Dispatcher,
	config ServiceConfig,
) *Service {
	return &Service{
		identRepo:    identRepo,
		tokenRepo:    tokenRepo,
		sessionRepo:  sessionRepo,
		usernameRepo: usernameRepo,
		hasher:       hasher,
		issuer:       issuer,
		dispatcher:   dispatcher,
		config:       config.withDefaults(),
		now:          time.Now,
	}
}

// CreateIdentity はidentityを作成する。
// メールアドレスまたは電話番号が既に登録されている場合はKindIdentityExistsを返す。
func (s *Service) CreateIdentity(ctx context.Context, in CreateIdentityInput) (*model.Identity, error) {
	const op = "create identity"

	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, model.NewError(model.KindInvalidFormat, op, err)
	}
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, model.NewError(model.KindInvalidFormat, op, err)
	}

	var passwordHash string
	if in.Password != "" {
		if len([]rune(in.Password)) < MinPasswordLength {
			return nil, model.NewError(model.KindInvalidFormat, op,
				fmt.Errorf("password must be at least %d characters", MinPasswordLength))
		}
		passwordHash, err = s.hasher.Hash(in.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
	}

	now := s.now().UTC()
	identity := &model.Identity{
		ID:           uuid.New().String(),
		Email:        email,
		Phone:        phone,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.identRepo.Create(ctx, identity); err != nil {
		if errors.Is(err, model.ErrIdentityExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	slog.Info("identity created",
		slog.String("identity_id", identity.ID),
		slog.Bool("passwordless", passwordHash == ""),
	)
	return identity, nil
}

// CreateVerificationToken はワンタイムコードを発行し、通知先へ送信する。
// destinationが空の場合はidentityのメールアドレスへ送る。
// 返却するトークンのCodeには平文コードが入るが、公開するかどうかは呼び出し側が判断する。
func (s *Service) CreateVerificationToken(ctx context.Context, identityID, destination string) (*model.VerificationToken, error) {
	const op = "create verification token"

	identity, err := s.identRepo.FindByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, model.NewError(model.KindNotFound, op, fmt.Errorf("identity %s", identityID))
	}

	if destination == "" {
		destination = identity.Email
	}
	if destination != identity.Email && (identity.Phone == "" || destination != identity.Phone) {
		return nil, model.NewError(model.KindInvalidFormat, op,
			fmt.Errorf("destination is not registered to the identity"))
	}

	now := s.now().UTC()

	latest, err := s.tokenRepo.FindLatestByIdentityID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find verification token: %w", err)
	}
	if latest != nil && now.Sub(latest.CreatedAt) < s.config.ResendInterval {
		return nil, model.NewError(model.KindRateLimited, op,
			fmt.Errorf("code was issued %s ago", now.Sub(latest.CreatedAt).Round(time.Second)))
	}

	code, err := security.GenerateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	token := &model.VerificationToken{
		ID:          uuid.New().String(),
		IdentityID:  identityID,
		Destination: destination,
		CodeHash:    security.HashCode(code),
		ExpiresAt:   now.Add(s.config.CodeTTL),
		CreatedAt:   now,
		Code:        code,
	}
	if err := s.tokenRepo.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save verification token: %w", err)
	}

	msg := notify.Message{
		IdentityID:  identityID,
		Destination: destination,
		Code:        code,
		ExpiresAt:   token.ExpiresAt,
	}
	if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
		slog.Error("verification code dispatch failed",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewError(model.KindUnavailable, op, err)
	}

	return token, nil
}

// CreateSession はワンタイムコードを検証し、成功した場合にセッションを発行する。
// identityが存在しない、コードが一致しない、期限切れ、使用済みのいずれもKindVerificationFailedを返す。
func (s *Service) CreateSession(ctx context.Context, identityID, code string) (*model.Session, error) {
	const op = "create session"

	if !security.IsCodeFormat(code) {
		return nil, model.NewError(model.KindVerificationFailed, op, fmt.Errorf("malformed code"))
	}

	identity, err := s.identRepo.FindByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, model.NewError(model.KindVerificationFailed, op, nil)
	}

	token, err := s.tokenRepo.FindLatestByIdentityID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find verification token: %w", err)
	}
	now := s.now().UTC()
	if token == nil || !now.Before(token.ExpiresAt) {
		slog.Warn("verification failed", slog.String("identity_id", identityID))
		return nil, model.NewError(model.KindVerificationFailed, op, nil)
	}
	if !security.CodeEqual(code, token.CodeHash) {
		if err := s.recordFailedAttempt(ctx, token, now); err != nil {
			return nil, err
		}
		return nil, model.NewError(model.KindVerificationFailed, op, nil)
	}

	consumed, err := s.tokenRepo.Consume(ctx, token.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification token: %w", err)
	}
	if !consumed {
		return nil, model.NewError(model.KindVerificationFailed, op, fmt.Errorf("code already used"))
	}

	if !identity.Verified() {
		if err := s.identRepo.MarkVerified(ctx, identityID, now); err != nil {
			return nil, fmt.Errorf("failed to mark identity verified: %w", err)
		}
	}

	session, err := s.createSession(ctx, identityID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("session created",
		slog.String("identity_id", identityID),
		slog.String("session_id", session.ID),
	)
	return session, nil
}

// recordFailedAttempt は誤入力を数え、上限に達したらidentityの未使用コードをすべて無効にする。
// 無効化後は新しいコードを発行するまで検証できない。
func (s *Service) recordFailedAttempt(ctx context.Context, token *model.VerificationToken, now time.Time) error {
	attempts, err := s.tokenRepo.RecordFailedAttempt(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}
	slog.Warn("verification failed",
		slog.String("identity_id", token.IdentityID),
		slog.Int("failed_attempts", attempts),
	)
	if attempts < s.config.MaxCodeAttempts {
		return nil
	}

	if err := s.tokenRepo.InvalidateByIdentityID(ctx, token.IdentityID, now); err != nil {
		return fmt.Errorf("failed to invalidate verification tokens: %w", err)
	}
	slog.Warn("verification codes invalidated after too many failed attempts",
		slog.String("identity_id", token.IdentityID),
		slog.Int("max_attempts", s.config.MaxCodeAttempts),
	)
	return nil
}

// CreatePasswordSession はメールアドレスとパスワードでログインし、セッションを発行する。
// 検証済みでないidentity、パスワード未設定のidentityはログインできない。
func (s *Service) CreatePasswordSession(ctx context.Context, email, password string) (*model.Session, error) {
	const op = "create password session"

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, model.NewError(model.KindUnauthorized, op, err)
	}

	identity, err := s.identRepo.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil || identity.PasswordHash == "" || !identity.Verified() {
		return nil, model.NewError(model.KindUnauthorized, op, nil)
	}
	if err := s.hasher.Compare(identity.PasswordHash, password); err != nil {
		slog.Warn("password login failed", slog.String("identity_id", identity.ID))
		return nil, model.NewError(model.KindUnauthorized, op, nil)
	}

	session, err := s.createSession(ctx, identity.ID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Authenticate は署名済みトークンを検証し、有効なセッションを返す。
// middleware.SessionAuthenticator を実装する。
func (s *Service) Authenticate(ctx context.Context, token string) (*model.Session, error) {
	const op = "authenticate"

	sessionID, userID, err := s.issuer.Parse(token)
	if err != nil {
		return nil, model.NewError(model.KindUnauthorized, op, err)
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, model.NewError(model.KindUnauthorized, op, fmt.Errorf("session not found or expired"))
	}
	return session, nil
}

// GetAccount は現在のidentityと取得済みユーザー名を返す。
func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	identity, err := s.identRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, model.NewError(model.KindNotFound, "get account", fmt.Errorf("identity %s", userID))
	}

	rec, err := s.usernameRepo.FindByOwnerID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find username record: %w", err)
	}

	return &Account{Identity: identity, Username: rec}, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string, now time.Time) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(s.config.SessionMaxAge),
		CreatedAt: now,
	}

	token, err := s.issuer.Issue(session.ID, userID, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	session.Token = token

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
