// Package signup はサインアップの手順（認証情報の入力、identity作成、ワンタイムコード検証、
// ユーザー名の取得）を状態機械として進める。
//
// どのステップで失敗しても、それまでに作成したidentityやセッションは破棄しない。
// ユーザー名の取得で競合に負けた場合は入力に戻るが、identityとセッションは保持したまま再試行できる。
package signup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/handleclaim/internal/claim"
	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/retry"
	"github.com/hitoshi/handleclaim/internal/security"
	"github.com/hitoshi/handleclaim/internal/username"
)

// DefaultResendCooldown はコード再送信の既定の待ち時間。
const DefaultResendCooldown = 60 * time.Second

// State はサインアップの状態。
type State int

const (
	// StateCollectingCredentials はユーザー名・メールアドレス等の入力中。
	StateCollectingCredentials State = iota
	// StateAwaitingEmail は入力が確定し、identity作成とコード送信を待っている。
	StateAwaitingEmail
	// StateAwaitingVerificationCode はコードの入力待ち。
	StateAwaitingVerificationCode
	// StateClaimingUsername はセッション確立済みで、ユーザー名の取得待ち。
	StateClaimingUsername
	// StateDone は完了。
	StateDone
	// StateFailed は回復できない失敗で終了した。
	StateFailed
)

// String はログ用の文字列表現を返す。
func (s State) String() string {
	switch s {
	case StateCollectingCredentials:
		return "collecting_credentials"
	case StateAwaitingEmail:
		return "awaiting_email"
	case StateAwaitingVerificationCode:
		return "awaiting_verification_code"
	case StateClaimingUsername:
		return "claiming_username"
	case StateDone:
		return "done"
	default:
		return "failed"
	}
}

// Account はバックエンドのアカウント操作。baas.Clientが実装する。
// 返すエラーはすべてmodel.Errorの種別を持つこと。
type Account interface {
	CreateIdentity(ctx context.Context, email, password string) (*model.Identity, error)
	CreateVerificationToken(ctx context.Context, identityID, destination string) (*model.VerificationToken, error)
	CreateSession(ctx context.Context, identityID, code string) (*model.Session, error)
}

// AvailabilityChecker はユーザー名の空き確認。claim.Checkerが実装する。
type AvailabilityChecker interface {
	Check(ctx context.Context, username string) claim.Availability
}

// UsernameClaimer はユーザー名の取得。claim.Committerが実装する。
type UsernameClaimer interface {
	Claim(ctx context.Context, username, ownerID string, profile model.Profile) claim.Result
}

// Credentials はサインアップの入力。Passwordが空の場合はパスワードレスになる。
type Credentials struct {
	Username string
	Name     string
	Email    string
	Password string
}

// Config はFlowの設定。
type Config struct {
	// Retry はアカウント操作のリトライ設定。
	Retry retry.Policy
	// Timeout はアカウント操作1回あたりのタイムアウト。0以下の場合はclaim.DefaultTimeout。
	Timeout time.Duration
	// ResendCooldown はコード再送信までの待ち時間。0以下の場合はDefaultResendCooldown。
	ResendCooldown time.Duration
	// Now はテスト用に差し替え可能。
	Now func() time.Time
}

// Flow は1回のサインアップを進める状態機械。並行利用には対応しない。
type Flow struct {
	account Account
	checker AvailabilityChecker
	claimer UsernameClaimer
	cfg     Config

	state     State
	lastCheck *claim.Availability
	creds     Credentials

	identity   *model.Identity
	session    *model.Session
	record     *model.UsernameRecord
	codeSentAt time.Time
	issuedCode string

	failure        error
	loginSuggested bool
}

// NewFlow はStateCollectingCredentialsから始まるFlowを生成する。
func NewFlow(account Account, checker AvailabilityChecker, claimer UsernameClaimer, cfg Config) *Flow {
	if cfg.Timeout <= 0 {
		cfg.Timeout = claim.DefaultTimeout
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = DefaultResendCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Flow{
		account: account,
		checker: checker,
		claimer: claimer,
		cfg:     cfg,
		state:   StateCollectingCredentials,
	}
}

// State は現在の状態を返す。
func (f *Flow) State() State { return f.state }

// Identity は作成済みのidentityを返す。未作成の場合はnil。
func (f *Flow) Identity() *model.Identity { return f.identity }

// Session は確立済みのセッションを返す。未確立の場合はnil。
func (f *Flow) Session() *model.Session { return f.session }

// Record は取得したユーザー名レコードを返す。StateDone以外ではnil。
func (f *Flow) Record() *model.UsernameRecord { return f.record }

// Failure はStateFailedになった原因を返す。
func (f *Flow) Failure() error { return f.failure }

// LoginSuggested はidentityが既に存在したため、ログインへの誘導が必要かを返す。
func (f *Flow) LoginSuggested() bool { return f.loginSuggested }

// IssuedCode はバックエンドが開発モードで返したコードを返す。通常は空。
func (f *Flow) IssuedCode() string { return f.issuedCode }

// CheckUsername は入力中のユーザー名を検証し、空き状況を確認する。
// 形式エラーはネットワークに到達せずKindInvalidFormatで返る。
func (f *Flow) CheckUsername(ctx context.Context, raw string) (claim.Availability, error) {
	if err := f.expect("check username", StateCollectingCredentials); err != nil {
		return claim.Availability{}, err
	}

	res := username.Validate(raw)
	if !res.OK() {
		f.lastCheck = nil
		return claim.Availability{Username: res.Username}, res.Err
	}

	a := f.checker.Check(ctx, res.Username)
	f.lastCheck = &a
	if a.Status == claim.StatusCheckFailed {
		return a, a.Reason
	}
	return a, nil
}

// SubmitCredentials は入力を確定する。
// ユーザー名が形式を満たし、直近の空き確認がAvailableである必要がある。
// このユーザー名の確認結果がない場合、または前回の確認が失敗していた場合はここで確認する。
// セッションを確立済み（競合に負けて入力に戻った後）であればコード検証を省略してStateClaimingUsernameへ進む。
func (f *Flow) SubmitCredentials(ctx context.Context, creds Credentials) error {
	const op = "submit credentials"
	if err := f.expect(op, StateCollectingCredentials); err != nil {
		return err
	}

	res := username.Validate(creds.Username)
	if !res.OK() {
		return res.Err
	}

	if f.lastCheck == nil || f.lastCheck.Username != res.Username || f.lastCheck.Status == claim.StatusCheckFailed {
		if _, err := f.CheckUsername(ctx, res.Username); err != nil {
			return err
		}
	}
	switch f.lastCheck.Status {
	case claim.StatusAvailable:
	case claim.StatusTaken:
		return model.NewError(model.KindAlreadyTaken, op, fmt.Errorf("username %s", res.Username))
	default:
		return f.lastCheck.Reason
	}

	creds.Username = res.Username
	creds.Name = strings.TrimSpace(creds.Name)
	creds.Email = strings.TrimSpace(creds.Email)

	if f.session != nil {
		// identityとメールアドレスは作成済みのものを使い続ける
		creds.Email = f.creds.Email
		creds.Password = ""
		if creds.Name == "" {
			creds.Name = f.creds.Name
		}
		f.creds = creds
		f.transition(StateClaimingUsername)
		return nil
	}

	if creds.Email == "" {
		return ErrEmailRequired
	}
	f.creds = creds
	f.transition(StateAwaitingEmail)
	return nil
}

// SendCode はidentityを作成し、ワンタイムコードを送信する。
// identityが既に存在する場合はStateFailedになり、LoginSuggestedがtrueになる。
// それ以外の失敗では状態を変えない。identity作成後にコード送信だけが失敗した場合、
// 再実行ではidentityを作り直さない。
func (f *Flow) SendCode(ctx context.Context) error {
	const op = "send code"
	if err := f.expect(op, StateAwaitingEmail); err != nil {
		return err
	}

	if f.identity == nil {
		identity, err := call(ctx, f.cfg, func(ctx context.Context) (*model.Identity, error) {
			return f.account.CreateIdentity(ctx, f.creds.Email, f.creds.Password)
		})
		if err != nil {
			if errors.Is(err, model.ErrIdentityExists) {
				f.loginSuggested = true
				f.fail(err)
			}
			return err
		}
		f.identity = identity
		slog.Info("identity created", slog.String("identity_id", identity.ID))
	}

	if err := f.issueCode(ctx); err != nil {
		return err
	}
	f.transition(StateAwaitingVerificationCode)
	return nil
}

// ResendAvailableIn はコードを再送信できるようになるまでの残り時間を返す。
func (f *Flow) ResendAvailableIn() time.Duration {
	if f.codeSentAt.IsZero() {
		return 0
	}
	remaining := f.cfg.ResendCooldown - f.cfg.Now().Sub(f.codeSentAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResendCode はコードを再送信する。前回の送信から待ち時間が経過していない場合はKindRateLimitedを返す。
func (f *Flow) ResendCode(ctx context.Context) error {
	const op = "resend code"
	if err := f.expect(op, StateAwaitingVerificationCode); err != nil {
		return err
	}
	if wait := f.ResendAvailableIn(); wait > 0 {
		return model.NewError(model.KindRateLimited, op, fmt.Errorf("resend available in %s", wait.Round(time.Second)))
	}
	return f.issueCode(ctx)
}

func (f *Flow) issueCode(ctx context.Context) error {
	token, err := call(ctx, f.cfg, func(ctx context.Context) (*model.VerificationToken, error) {
		return f.account.CreateVerificationToken(ctx, f.identity.ID, f.identity.Email)
	})
	if err != nil {
		return err
	}
	f.codeSentAt = f.cfg.Now()
	f.issuedCode = token.Code
	return nil
}

// VerifyCode はコードを検証してセッションを確立する。
// 6桁の数字でないコードはネットワークに到達せずKindVerificationFailedで返る。
// 失敗しても状態は変えないため、再入力や再送信ができる。
func (f *Flow) VerifyCode(ctx context.Context, code string) error {
	const op = "verify code"
	if err := f.expect(op, StateAwaitingVerificationCode); err != nil {
		return err
	}

	code = strings.TrimSpace(code)
	if !security.IsCodeFormat(code) {
		return model.NewError(model.KindVerificationFailed, op, errors.New("code must be 6 digits"))
	}

	session, err := call(ctx, f.cfg, func(ctx context.Context) (*model.Session, error) {
		return f.account.CreateSession(ctx, f.identity.ID, code)
	})
	if err != nil {
		return err
	}
	f.session = session
	f.issuedCode = ""
	f.transition(StateClaimingUsername)
	return nil
}

// Claim はユーザー名を取得する。
// AlreadyTakenの場合はidentityとセッションを保持したままStateCollectingCredentialsへ戻り、
// KindAlreadyTakenのエラーを返す。identityが既にユーザー名を持っている場合はStateFailedになる。
// それ以外の失敗では状態を変えない。
func (f *Flow) Claim(ctx context.Context) error {
	const op = "claim username"
	if err := f.expect(op, StateClaimingUsername); err != nil {
		return err
	}

	res := f.claimer.Claim(ctx, f.creds.Username, f.session.UserID, model.Profile{
		Name:  f.creds.Name,
		Email: f.creds.Email,
	})

	switch res.Outcome {
	case claim.OutcomeClaimed:
		f.record = res.Record
		f.transition(StateDone)
		return nil

	case claim.OutcomeAlreadyTaken:
		f.lastCheck = &claim.Availability{Username: f.creds.Username, Status: claim.StatusTaken}
		f.transition(StateCollectingCredentials)
		return model.NewError(model.KindAlreadyTaken, op, fmt.Errorf("username %s", f.creds.Username))

	default:
		if errors.Is(res.Reason, model.ErrOwnerAlreadyClaimed) {
			f.fail(res.Reason)
		}
		return res.Reason
	}
}

func (f *Flow) expect(op string, want State) error {
	if f.state != want {
		return model.NewError(model.KindInvalidState, op,
			fmt.Errorf("state is %s, want %s", f.state, want))
	}
	return nil
}

func (f *Flow) transition(to State) {
	slog.Debug("signup state changed",
		slog.String("from", f.state.String()),
		slog.String("to", to.String()),
	)
	f.state = to
}

func (f *Flow) fail(err error) {
	f.failure = err
	f.transition(StateFailed)
}

// call はタイムアウト付きでopを実行し、レート制限時はリトライする。
func call[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, cfg.Retry, func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		v, err := op(ctx)
		if err != nil {
			var e *model.Error
			if !errors.As(err, &e) {
				err = model.NewError(model.KindUnavailable, "account", err)
			}
		}
		return v, err
	})
}
