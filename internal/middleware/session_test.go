package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/handleclaim/internal/model"
)

// --- モック定義 ---

type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, token string) (*model.Session, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, token string) (*model.Session, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, token)
	}
	return nil, model.NewError(model.KindUnauthorized, "authenticate", nil)
}

func validAuthenticator() *mockAuthenticator {
	return &mockAuthenticator{
		authenticateFn: func(ctx context.Context, token string) (*model.Session, error) {
			if token == "valid-token" {
				return &model.Session{
					ID:        "session-1",
					UserID:    "user-123",
					ExpiresAt: time.Now().Add(1 * time.Hour),
				}, nil
			}
			return nil, model.NewError(model.KindUnauthorized, "authenticate", nil)
		},
	}
}

// --- テスト ---

func TestSessionMiddleware_ValidToken_InjectsIDs(t *testing.T) {
	mw := NewSessionMiddleware(validAuthenticator())

	var capturedUserID, capturedSessionID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		capturedUserID, err = UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		capturedSessionID, err = SessionIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
	if capturedSessionID != "session-1" {
		t.Errorf("sessionID = %q, want %q", capturedSessionID, "session-1")
	}
}

func TestSessionMiddleware_SchemeIsCaseInsensitive(t *testing.T) {
	mw := NewSessionMiddleware(validAuthenticator())
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.Header.Set("Authorization", "bearer valid-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("小文字のbearerでもハンドラーが呼ばれるべき")
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
		auth   *mockAuthenticator
	}{
		{"ヘッダーなし", "", validAuthenticator()},
		{"Basic認証", "Basic dXNlcjpwYXNz", validAuthenticator()},
		{"トークンが空", "Bearer ", validAuthenticator()},
		{"無効なトークン", "Bearer invalid-token", validAuthenticator()},
		{"認証処理のエラー", "Bearer valid-token", &mockAuthenticator{
			authenticateFn: func(ctx context.Context, token string) (*model.Session, error) {
				return nil, errors.New("db connection lost")
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSessionMiddleware(tt.auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("レスポンスのデコードに失敗: %v", err)
			}
			if body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
	if _, err := SessionIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
}

func TestContextWithUserID(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-1")
	got, err := UserIDFromContext(ctx)
	if err != nil || got != "user-1" {
		t.Errorf("UserIDFromContext = %q, %v; want user-1", got, err)
	}
}

func TestOptionalSessionMiddleware(t *testing.T) {
	mw := NewOptionalSessionMiddleware(validAuthenticator())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUserID string
	}{
		{"ヘッダーなしは未認証で通す", "", http.StatusOK, ""},
		{"有効なトークン", "Bearer valid-token", http.StatusOK, "user-123"},
		{"無効なトークンは401", "Bearer invalid-token", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUserID string
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUserID, _ = UserIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/functions/username/executions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotUserID != tt.wantUserID {
				t.Errorf("userID = %q, want %q", gotUserID, tt.wantUserID)
			}
		})
	}
}
