// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/repository"
)

// UsernameDeleter はユーザー名レコードの削除インターフェース。
type UsernameDeleter interface {
	DeleteByOwnerID(ctx context.Context, ownerID string) error
}

// TokenDeleter はワンタイムコードの一括削除インターフェース。
type TokenDeleter interface {
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	identRepo       repository.IdentityRepository
	sessionRepo     repository.SessionRepository
	usernameDeleter UsernameDeleter
	tokenDeleter    TokenDeleter
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	usernameDeleter UsernameDeleter,
	tokenDeleter TokenDeleter,
) *Service {
	return &Service{
		identRepo:       identRepo,
		sessionRepo:     sessionRepo,
		usernameDeleter: usernameDeleter,
		tokenDeleter:    tokenDeleter,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: username_records → verification_tokens → sessions → identity
// ユーザー名レコードを最初に削除するため、途中で失敗してもユーザー名は解放される。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	identity, err := s.identRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("identityの取得に失敗しました: %w", err)
	}
	if identity == nil {
		return model.NewError(model.KindNotFound, "withdraw", fmt.Errorf("identity %s", userID))
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. ユーザー名を解放
	if s.usernameDeleter != nil {
		if err := s.usernameDeleter.DeleteByOwnerID(ctx, userID); err != nil {
			return fmt.Errorf("ユーザー名の削除に失敗しました: %w", err)
		}
	}

	// 2. 未使用のワンタイムコードを削除
	if s.tokenDeleter != nil {
		if err := s.tokenDeleter.DeleteByIdentityID(ctx, userID); err != nil {
			return fmt.Errorf("確認コードの削除に失敗しました: %w", err)
		}
	}

	// 3. セッションを削除
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 4. identityを削除
	if err := s.identRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("identityの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
