package claim

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/handleclaim/internal/model"
)

// Outcome はclaimの結果。
type Outcome int

const (
	// OutcomeCheckFailed はネットワーク・サーバーエラー等で結果が確定しなかった。
	OutcomeCheckFailed Outcome = iota
	// OutcomeClaimed はユーザー名を取得した。
	OutcomeClaimed
	// OutcomeAlreadyTaken は他のidentityが既に取得していた。
	OutcomeAlreadyTaken
)

// String はメトリクスやログ用の文字列表現を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeAlreadyTaken:
		return "already_taken"
	default:
		return "check_failed"
	}
}

// Result はclaimの結果を表す。
type Result struct {
	Outcome Outcome
	Record  *model.UsernameRecord // OutcomeClaimedの場合のみ設定される
	Reason  error                 // OutcomeCheckFailedの場合のみ設定される
}

// Committer はユーザー名レコードを作成する。
type Committer struct {
	index Index
	cache Cache
	cfg   Config
}

// NewCommitter はCommitterを生成する。cacheはnil可。
func NewCommitter(index Index, cache Cache, cfg Config) *Committer {
	return &Committer{index: index, cache: cache, cfg: cfg}
}

// Claim は正規化・検証済みのユーザー名をownerIDに紐付けて作成する。
//
// 事前の空き確認は行わず、作成時の一意性違反をOutcomeAlreadyTakenとして返す。
// 同じユーザー名への並行claimは、ちょうど1つだけがOutcomeClaimedになる。
// 一意性違反の相手が同じownerIDだった場合（前回の作成が成功したが応答を受け取れなかった場合）は
// 既存レコードでOutcomeClaimedを返すため、リトライしても二重に作成されない。
// 結果がClaimed・AlreadyTakenのいずれでもキャッシュを無効化する。
func (c *Committer) Claim(ctx context.Context, username, ownerID string, profile model.Profile) Result {
	return c.ClaimWithID(ctx, model.UniqueDocumentID, username, ownerID, profile)
}

// ClaimWithID はドキュメントIDを指定してClaimする。
// documentIDが空またはmodel.UniqueDocumentIDの場合はインデックス側で採番する。
func (c *Committer) ClaimWithID(ctx context.Context, documentID, username, ownerID string, profile model.Profile) Result {
	if ownerID == "" {
		return c.failed(username, model.NewError(model.KindInvalidFormat, "claim username", errors.New("owner id is required")))
	}

	rec := &model.UsernameRecord{
		ID:       documentID,
		Username: username,
		OwnerID:  ownerID,
		Name:     profile.Name,
		Email:    profile.Email,
		Phone:    profile.Phone,
	}

	_, err := call(ctx, c.cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.index.Insert(ctx, rec)
	})

	switch {
	case err == nil:
		c.invalidate(username)
		slog.Info("username claimed",
			slog.String("username", username),
			slog.String("owner_id", ownerID),
		)
		c.record(OutcomeClaimed)
		return Result{Outcome: OutcomeClaimed, Record: rec}

	case errors.Is(err, model.ErrAlreadyTaken):
		c.invalidate(username)
		existing, lookupErr := c.ownedBy(ctx, username, ownerID)
		if lookupErr != nil {
			// 相手が同じownerかを判断できないため、AlreadyTakenとは扱わず再試行可能にする
			return c.failed(username, lookupErr)
		}
		if existing != nil {
			slog.Info("username already claimed by the same owner",
				slog.String("username", username),
				slog.String("owner_id", ownerID),
			)
			c.record(OutcomeClaimed)
			return Result{Outcome: OutcomeClaimed, Record: existing}
		}
		c.record(OutcomeAlreadyTaken)
		return Result{Outcome: OutcomeAlreadyTaken}

	case errors.Is(err, model.ErrOwnerAlreadyClaimed):
		// 制約の評価順によっては同一ownerの再送がowner側の違反として返る
		existing, lookupErr := c.ownedBy(ctx, username, ownerID)
		if lookupErr != nil {
			return c.failed(username, lookupErr)
		}
		if existing != nil {
			c.invalidate(username)
			c.record(OutcomeClaimed)
			return Result{Outcome: OutcomeClaimed, Record: existing}
		}
		return c.failed(username, err)

	default:
		return c.failed(username, classify("claim username", err))
	}
}

// ownedBy は既存レコードがownerIDのものであれば返す。別のownerのものか、レコードがなければnil。
func (c *Committer) ownedBy(ctx context.Context, username, ownerID string) (*model.UsernameRecord, error) {
	existing, err := call(ctx, c.cfg, func(ctx context.Context) (*model.UsernameRecord, error) {
		return c.index.FindByUsername(ctx, username)
	})
	if err != nil {
		slog.Warn("failed to look up conflicting username record",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return nil, classify("look up username owner", err)
	}
	if existing == nil || existing.OwnerID != ownerID {
		return nil, nil
	}
	return existing, nil
}

func (c *Committer) failed(username string, reason error) Result {
	slog.Warn("username claim failed",
		slog.String("username", username),
		slog.String("error", reason.Error()),
	)
	c.record(OutcomeCheckFailed)
	return Result{Outcome: OutcomeCheckFailed, Reason: reason}
}

func (c *Committer) invalidate(username string) {
	if c.cache != nil {
		c.cache.Invalidate(username)
	}
}

func (c *Committer) record(o Outcome) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordClaim(o.String())
	}
}
