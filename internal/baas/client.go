// Package baas はバックエンド（handleclaim serve と同じAPI）のHTTPクライアントを提供する。
// トランスポートの結果は呼び出し箇所でmodel.Errorの種別に変換し、
// 生のネットワークエラーやステータスコードを呼び出し元に渡さない。
package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hitoshi/handleclaim/internal/model"
)

const (
	// userAgent はリクエストに付与するUser-Agent。
	userAgent = "handleclaim-client/1.0"
	// maxResponseBody はレスポンスボディの最大読み取りバイト数。
	maxResponseBody = 1 << 20
)

// Config はクライアントの接続先設定。
type Config struct {
	Endpoint     string // 例: http://localhost:8080/v1
	DatabaseID   string
	CollectionID string
}

// Client はバックエンドAPIのクライアント。
// ドキュメント操作はclaim.Index、アカウント操作はsignup.Accountを満たす。
// createSessionで得たトークンを保持し、以降のリクエストに付与する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	cfg        Config

	mu    sync.RWMutex
	token string
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		cfg:        cfg,
	}
}

// SetSessionToken は以降のリクエストに付与するセッショントークンを設定する。
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// errorBody はバックエンドのエラーレスポンス。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do はリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// 2xx以外はステータスとエラーコードから種別付きのエラーに変換する。
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	reqURL := c.endpoint + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return model.NewError(model.KindInvalidFormat, op, fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return model.NewError(model.KindUnavailable, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.sessionToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return model.NewError(model.KindUnavailable, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return model.NewError(model.KindUnavailable, op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeErrorBody(raw)
		c.logger.Info("backend returned error status",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return model.NewError(kindForStatus(resp.StatusCode, apiErr.Code), op,
			fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.describe()))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return model.NewError(model.KindUnavailable, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func decodeErrorBody(raw []byte) errorBody {
	var e errorBody
	if err := json.Unmarshal(raw, &e); err != nil {
		return errorBody{}
	}
	return e
}

func (e errorBody) describe() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Code != "":
		return e.Code
	default:
		return "no error body"
	}
}

// kindForStatus はHTTPステータスとエラーコードを種別に変換する。
func kindForStatus(status int, code string) model.ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return model.KindRateLimited
	case http.StatusConflict:
		switch code {
		case model.ErrCodeOwnerAlreadyClaimed:
			return model.KindOwnerAlreadyClaimed
		case model.ErrCodeIdentityExists:
			return model.KindIdentityExists
		default:
			// document_already_exists・USERNAME_TAKEN
			return model.KindAlreadyTaken
		}
	case http.StatusUnauthorized:
		if code == model.ErrCodeVerificationFailed {
			return model.KindVerificationFailed
		}
		return model.KindUnauthorized
	case http.StatusForbidden:
		return model.KindUnauthorized
	case http.StatusNotFound:
		return model.KindNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return model.KindInvalidFormat
	default:
		return model.KindUnavailable
	}
}
