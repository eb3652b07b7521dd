// Package notify はワンタイムコードの送信を提供する。
// メール・SMSの実際の配信は外部サービスに任せ、本パッケージはWebhookで引き渡すか、
// 開発用にログへ出力する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Message は送信するワンタイムコード。
type Message struct {
	IdentityID  string
	Destination string
	Code        string
	ExpiresAt   time.Time
}

// Dispatcher はワンタイムコードを宛先に送信する。
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// LogDispatcher はコードをログに出力する開発用のDispatcher。本番では使わないこと。
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher はLogDispatcherを生成する。
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch はコードをINFOレベルで出力する。
func (d *LogDispatcher) Dispatch(_ context.Context, msg Message) error {
	d.logger.Info("verification code issued",
		slog.String("identity_id", msg.IdentityID),
		slog.String("destination", msg.Destination),
		slog.String("code", msg.Code),
		slog.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}

// webhookPayload はWebhookに送信するJSON。
type webhookPayload struct {
	Type        string    `json:"type"`
	IdentityID  string    `json:"identityId"`
	Destination string    `json:"destination"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// maxErrorBody はエラー時にログへ残すレスポンスボディの最大バイト数。
const maxErrorBody = 512

// WebhookDispatcher はコードを外部の配信サービスへPOSTする。
// httpClientにはSSRFGuard.NewSafeClientで生成したクライアントを渡す。
type WebhookDispatcher struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
	token      string
}

// NewWebhookDispatcher はWebhookDispatcherを生成する。tokenが空でなければBearer認証ヘッダーを付与する。
func NewWebhookDispatcher(httpClient *http.Client, logger *slog.Logger, url, token string) *WebhookDispatcher {
	return &WebhookDispatcher{
		httpClient: httpClient,
		logger:     logger,
		url:        url,
		token:      token,
	}
}

// Dispatch はコードをWebhookへ送信する。2xx以外はエラーを返す。
func (d *WebhookDispatcher) Dispatch(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Type:        "verification_code",
		IdentityID:  msg.IdentityID,
		Destination: msg.Destination,
		Code:        msg.Code,
		ExpiresAt:   msg.ExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("Webhookペイロードの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handleclaim/1.0")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("ワンタイムコードのWebhook送信に失敗しました",
			slog.String("error", err.Error()),
			slog.String("identity_id", msg.IdentityID),
		)
		return fmt.Errorf("Webhookの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		d.logger.Error("Webhookがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("identity_id", msg.IdentityID),
			slog.String("body", string(snippet)),
		)
		return fmt.Errorf("Webhookがステータス %d を返しました", resp.StatusCode)
	}

	return nil
}

// compile-time interface check
var (
	_ Dispatcher = (*LogDispatcher)(nil)
	_ Dispatcher = (*WebhookDispatcher)(nil)
)
