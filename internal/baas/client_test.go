package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/handleclaim/internal/claim"
	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/retry"
)

const testDocumentsPath = "/v1/databases/db-1/collections/users/documents"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(server.Client(), slog.New(slog.NewJSONHandler(io.Discard, nil)), Config{
		Endpoint:     server.URL + "/v1/",
		DatabaseID:   "db-1",
		CollectionID: "users",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"code": code, "message": "error"})
}

// --- ドキュメント操作 ---

func TestClient_Exists(t *testing.T) {
	tests := []struct {
		name  string
		total int
		want  bool
	}{
		{"一致なし", 0, false},
		{"一致あり", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != testDocumentsPath {
					t.Errorf("リクエスト = %s %s", r.Method, r.URL.Path)
				}
				q := r.URL.Query()
				if q.Get("field") != "username" || q.Get("op") != "equal" || q.Get("value") != "alice" {
					t.Errorf("クエリ = %s", r.URL.RawQuery)
				}
				if q.Get("limit") != "0" {
					t.Errorf("limit = %q, want 0", q.Get("limit"))
				}
				writeJSON(w, http.StatusOK, map[string]any{"total": tt.total, "documents": []any{}})
			})

			got, err := c.Exists(context.Background(), "alice")
			if err != nil {
				t.Fatalf("Existsがエラーを返した: %v", err)
			}
			if got != tt.want {
				t.Errorf("Exists = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_FindByUsername(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("value") == "nobody" {
			writeJSON(w, http.StatusOK, map[string]any{"total": 0, "documents": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total": 1,
			"documents": []map[string]any{{
				"id": "doc-1", "username": "alice", "ownerId": "user-1", "name": "Alice",
				"createdAt": "2025-01-01T00:00:00Z",
			}},
		})
	})

	rec, err := c.FindByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindByUsernameがエラーを返した: %v", err)
	}
	if rec == nil || rec.ID != "doc-1" || rec.OwnerID != "user-1" || rec.Name != "Alice" {
		t.Fatalf("rec = %+v", rec)
	}
	if !rec.CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", rec.CreatedAt)
	}

	rec, err = c.FindByUsername(context.Background(), "nobody")
	if err != nil || rec != nil {
		t.Errorf("一致なし: rec = %+v, err = %v, want nil, nil", rec, err)
	}
}

func TestClient_Insert(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != testDocumentsPath {
			t.Errorf("リクエスト = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer session-token" {
			t.Errorf("Authorization = %q", got)
		}

		var req createDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("リクエストのデコードに失敗: %v", err)
			writeErrorCode(w, http.StatusBadRequest, model.ErrCodeInvalidRequest)
			return
		}
		if req.DocumentID != model.UniqueDocumentID {
			t.Errorf("documentId = %q, want unique", req.DocumentID)
		}
		if req.Data.Username != "alice" || req.Data.OwnerID != "user-1" {
			t.Errorf("data = %+v", req.Data)
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id": "generated-id", "username": "alice", "ownerId": "user-1", "name": "Alice",
			"createdAt": "2025-01-01T00:00:00Z",
		})
	})
	c.SetSessionToken("session-token")

	rec := &model.UsernameRecord{Username: "alice", OwnerID: "user-1", Name: "Alice"}
	if err := c.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insertがエラーを返した: %v", err)
	}
	if rec.ID != "generated-id" {
		t.Errorf("ID = %q, want generated-id", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAtが設定されていない")
	}
}

func TestClient_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"一意性違反", http.StatusConflict, model.ErrCodeDocumentAlreadyExists, model.ErrAlreadyTaken},
		{"ユーザー名取得済み", http.StatusConflict, model.ErrCodeUsernameTaken, model.ErrAlreadyTaken},
		{"owner重複", http.StatusConflict, model.ErrCodeOwnerAlreadyClaimed, model.ErrOwnerAlreadyClaimed},
		{"identity重複", http.StatusConflict, model.ErrCodeIdentityExists, model.ErrIdentityExists},
		{"レート制限", http.StatusTooManyRequests, model.ErrCodeRateLimited, model.ErrRateLimited},
		{"コード不一致", http.StatusUnauthorized, model.ErrCodeVerificationFailed, model.ErrVerificationFailed},
		{"未認証", http.StatusUnauthorized, model.ErrCodeUnauthorized, model.ErrUnauthorized},
		{"権限なし", http.StatusForbidden, model.ErrCodeForbidden, model.ErrUnauthorized},
		{"存在しない", http.StatusNotFound, model.ErrCodeNotFound, model.ErrNotFound},
		{"形式不正", http.StatusBadRequest, model.ErrCodeInvalidUsername, model.ErrInvalidFormat},
		{"サーバーエラー", http.StatusInternalServerError, model.ErrCodeInternal, model.ErrUnavailable},
		{"ゲートウェイエラー（ボディなし）", http.StatusBadGateway, "", model.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.code == "" {
					w.WriteHeader(tt.status)
					return
				}
				writeErrorCode(w, tt.status, tt.code)
			})

			err := c.Insert(context.Background(), &model.UsernameRecord{Username: "alice", OwnerID: "user-1"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want kind %s", err, model.KindOf(tt.want))
			}
		})
	}
}

func TestClient_NetworkErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClient(http.DefaultClient, slog.New(slog.NewJSONHandler(io.Discard, nil)), Config{Endpoint: url, DatabaseID: "db-1", CollectionID: "users"})

	_, err := c.Exists(context.Background(), "alice")
	if !errors.Is(err, model.ErrUnavailable) {
		t.Errorf("err = %v, want kind unavailable", err)
	}
}

func TestClient_MalformedResponseIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total":`))
	})

	_, err := c.Exists(context.Background(), "alice")
	if !errors.Is(err, model.ErrUnavailable) {
		t.Errorf("err = %v, want kind unavailable", err)
	}
}

func TestClient_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Exists(ctx, "alice")
	if !errors.Is(err, model.ErrUnavailable) {
		t.Errorf("err = %v, want kind unavailable", err)
	}
}

// --- Checker・Committerとの組み合わせ ---

func TestClient_CommitterRetriesRateLimitedCreate(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			writeErrorCode(w, http.StatusTooManyRequests, model.ErrCodeRateLimited)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "doc-1", "username": "alice", "ownerId": "user-1"})
	})

	var delays []time.Duration
	committer := claim.NewCommitter(c, nil, claim.Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Sleep: func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			},
		},
	})

	res := committer.Claim(context.Background(), "alice", "user-1", model.Profile{})
	if res.Outcome != claim.OutcomeClaimed {
		t.Fatalf("Outcome = %v, want claimed (reason: %v)", res.Outcome, res.Reason)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("リクエスト回数 = %d, want 3", n)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("待機時間 = %v, want [1s 2s]", delays)
	}
}

func TestClient_CommitterMapsConflictToAlreadyTaken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeErrorCode(w, http.StatusConflict, model.ErrCodeDocumentAlreadyExists)
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"total":     1,
				"documents": []map[string]any{{"id": "doc-1", "username": "alice", "ownerId": "someone-else"}},
			})
		}
	})

	committer := claim.NewCommitter(c, nil, claim.Config{Retry: retry.Policy{MaxAttempts: 1}})
	res := committer.Claim(context.Background(), "alice", "user-1", model.Profile{})
	if res.Outcome != claim.OutcomeAlreadyTaken {
		t.Errorf("Outcome = %v, want already_taken", res.Outcome)
	}
}

// --- アカウント操作 ---

func TestClient_SignupCalls(t *testing.T) {
	var (
		mu      sync.Mutex
		gotAuth []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)

		switch r.Method + " " + r.URL.Path {
		case "POST /v1/account":
			if !bytes.Contains(body, []byte(`"email":"alice@example.com"`)) {
				t.Errorf("createIdentityのボディ = %s", body)
			}
			if bytes.Contains(body, []byte(`"phone"`)) {
				t.Errorf("空のphoneが送信された: %s", body)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"id": "user-1", "email": "alice@example.com", "emailVerification": false,
				"createdAt": "2025-01-01T00:00:00Z",
			})
		case "POST /v1/account/tokens":
			writeJSON(w, http.StatusCreated, map[string]any{
				"userId": "user-1", "expiresAt": "2025-01-01T00:15:00Z", "secret": "123456",
			})
		case "POST /v1/account/sessions":
			if !bytes.Contains(body, []byte(`"secret":"123456"`)) {
				t.Errorf("createSessionのボディ = %s", body)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"id": "sess-1", "userId": "user-1", "expiresAt": "2025-01-31T00:00:00Z", "token": "jwt-token",
			})
		case "GET /v1/account":
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "user-1", "email": "alice@example.com", "emailVerification": true,
				"createdAt": "2025-01-01T00:00:00Z",
				"username":  map[string]any{"id": "doc-1", "username": "alice", "ownerId": "user-1"},
			})
		case "DELETE /v1/account/sessions/current":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("想定外のリクエスト: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	identity, err := c.CreateIdentity(ctx, "alice@example.com", "")
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	if identity.ID != "user-1" || identity.Verified() {
		t.Errorf("identity = %+v", identity)
	}

	token, err := c.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}
	if token.Code != "123456" {
		t.Errorf("Code = %q, want 123456", token.Code)
	}

	session, err := c.CreateSession(ctx, identity.ID, token.Code)
	if err != nil {
		t.Fatalf("CreateSessionがエラーを返した: %v", err)
	}
	if session.UserID != "user-1" || session.Token != "jwt-token" {
		t.Errorf("session = %+v", session)
	}

	got, rec, err := c.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccountがエラーを返した: %v", err)
	}
	if !got.Verified() || rec == nil || rec.Username != "alice" {
		t.Errorf("account = %+v, username = %+v", got, rec)
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logoutがエラーを返した: %v", err)
	}
	if c.sessionToken() != "" {
		t.Error("ログアウト後もトークンが残っている")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"", "", "", "Bearer jwt-token", "Bearer jwt-token"}
	if strings.Join(gotAuth, ",") != strings.Join(want, ",") {
		t.Errorf("Authorizationヘッダー = %q, want %q", gotAuth, want)
	}
}

func TestClient_CreateSessionFailureKeepsNoToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusUnauthorized, model.ErrCodeVerificationFailed)
	})

	_, err := c.CreateSession(context.Background(), "user-1", "000000")
	if !errors.Is(err, model.ErrVerificationFailed) {
		t.Errorf("err = %v, want kind verification_failed", err)
	}
	if c.sessionToken() != "" {
		t.Error("失敗時にトークンが設定された")
	}
}
