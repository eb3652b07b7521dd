package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/handleclaim/internal/baas"
	"github.com/hitoshi/handleclaim/internal/cache"
	"github.com/hitoshi/handleclaim/internal/claim"
	"github.com/hitoshi/handleclaim/internal/config"
	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/retry"
	"github.com/hitoshi/handleclaim/internal/signup"
)

// errInputClosed は入力が途中で終了したことを示す。
var errInputClosed = errors.New("input closed")

// resendCommand は確認コード入力時にコードを再送信するための入力。
const resendCommand = "resend"

// runSignup はバックエンドに接続し、対話式のサインアップを実行する。
func runSignup(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("failed to load client config: %w", err)
	}

	flow := newSignupFlow(cfg, out)
	return newSignupCLI(flow, in, out).run(ctx)
}

// newSignupFlow はクライアント設定からFlowを組み立てる。
// 空き確認・取得・アカウント操作はすべて同じリトライ設定を共有する。
func newSignupFlow(cfg *config.ClientConfig, out io.Writer) *signup.Flow {
	client := baas.NewClient(
		&http.Client{Timeout: cfg.RequestTimeout},
		slog.Default(),
		baas.Config{
			Endpoint:     cfg.Endpoint,
			DatabaseID:   cfg.DatabaseID,
			CollectionID: cfg.CollectionID,
		},
	)

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			slog.Debug("retrying rate limited request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(out, "混雑しています。%s後に再試行します...\n", delay)
		},
	}

	availability := cache.NewAvailability(cfg.CacheTTL)
	claimCfg := claim.Config{Retry: policy, Timeout: cfg.RequestTimeout}

	return signup.NewFlow(
		client,
		claim.NewChecker(client, availability, claimCfg),
		claim.NewCommitter(client, availability, claimCfg),
		signup.Config{
			Retry:          policy,
			Timeout:        cfg.RequestTimeout,
			ResendCooldown: cfg.ResendCooldown,
		},
	)
}

// signupCLI はFlowを標準入出力で進める。
type signupCLI struct {
	flow  *signup.Flow
	in    *bufio.Scanner
	out   io.Writer
	creds signup.Credentials
}

func newSignupCLI(flow *signup.Flow, in io.Reader, out io.Writer) *signupCLI {
	return &signupCLI{flow: flow, in: bufio.NewScanner(in), out: out}
}

// run はStateDoneかStateFailedに達するか、入力が終了するまでFlowを進める。
func (c *signupCLI) run(ctx context.Context) error {
	for {
		state := c.flow.State()

		var err error
		switch state {
		case signup.StateCollectingCredentials:
			err = c.collectCredentials(ctx)
		case signup.StateAwaitingEmail:
			err = c.sendCode(ctx)
		case signup.StateAwaitingVerificationCode:
			err = c.verifyCode(ctx)
		case signup.StateClaimingUsername:
			err = c.flow.Claim(ctx)
		case signup.StateDone:
			rec := c.flow.Record()
			fmt.Fprintf(c.out, "ユーザー名 @%s を取得しました。\n", rec.Username)
			return nil
		case signup.StateFailed:
			fmt.Fprintln(c.out, signup.MessageFor(c.flow.Failure()))
			return fmt.Errorf("signup failed: %w", c.flow.Failure())
		}

		if err == nil {
			continue
		}
		if errors.Is(err, errInputClosed) {
			return err
		}
		if c.flow.State() == signup.StateFailed {
			continue
		}
		fmt.Fprintln(c.out, signup.MessageFor(err))

		// 入力を伴わない手順は、再試行の確認を挟まないと同じ失敗を繰り返す
		if c.flow.State() == state && (state == signup.StateAwaitingEmail || state == signup.StateClaimingUsername) {
			if _, err := c.prompt("Enterで再試行します"); err != nil {
				return err
			}
		}
	}
}

// collectCredentials は空きが確認できるまでユーザー名を尋ね、残りの入力を集めて確定する。
// コード検証済みで戻ってきた場合はユーザー名だけを尋ねる。
func (c *signupCLI) collectCredentials(ctx context.Context) error {
	for {
		name, err := c.prompt("ユーザー名")
		if err != nil {
			return err
		}

		a, err := c.flow.CheckUsername(ctx, name)
		if err != nil {
			fmt.Fprintln(c.out, signup.MessageFor(err))
			continue
		}
		if a.Status == claim.StatusTaken {
			fmt.Fprintln(c.out, signup.Message(model.KindAlreadyTaken))
			continue
		}
		fmt.Fprintf(c.out, "@%s は利用できます。\n", a.Username)
		c.creds.Username = a.Username
		break
	}

	if c.flow.Session() == nil {
		var err error
		if c.creds.Name, err = c.prompt("表示名"); err != nil {
			return err
		}
		if c.creds.Email, err = c.prompt("メールアドレス"); err != nil {
			return err
		}
		if c.creds.Password, err = c.prompt("パスワード（空欄でパスワードなし）"); err != nil {
			return err
		}
	}

	return c.flow.SubmitCredentials(ctx, c.creds)
}

func (c *signupCLI) sendCode(ctx context.Context) error {
	if err := c.flow.SendCode(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s に確認コードを送信しました。\n", c.flow.Identity().Email)
	c.showIssuedCode()
	return nil
}

func (c *signupCLI) verifyCode(ctx context.Context) error {
	code, err := c.prompt(fmt.Sprintf("確認コード（再送信は %s）", resendCommand))
	if err != nil {
		return err
	}

	if strings.EqualFold(code, resendCommand) {
		if err := c.flow.ResendCode(ctx); err != nil {
			if errors.Is(err, model.ErrRateLimited) {
				fmt.Fprintf(c.out, "再送信は%s後に行えます。\n", c.flow.ResendAvailableIn().Round(time.Second))
				return nil
			}
			return err
		}
		fmt.Fprintln(c.out, "確認コードを再送信しました。")
		c.showIssuedCode()
		return nil
	}

	return c.flow.VerifyCode(ctx, code)
}

// showIssuedCode はバックエンドが開発モードでコードを返した場合に表示する。
func (c *signupCLI) showIssuedCode() {
	if code := c.flow.IssuedCode(); code != "" {
		fmt.Fprintf(c.out, "（開発モード）確認コード: %s\n", code)
	}
}

// prompt はラベルを表示して1行読み込む。入力が終了した場合はerrInputClosedを返す。
func (c *signupCLI) prompt(label string) (string, error) {
	fmt.Fprintf(c.out, "%s: ", label)
	if !c.in.Scan() {
		fmt.Fprintln(c.out)
		if err := c.in.Err(); err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return "", errInputClosed
	}
	return strings.TrimSpace(c.in.Text()), nil
}
