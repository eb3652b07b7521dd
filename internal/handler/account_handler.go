package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/handleclaim/internal/account"
	"github.com/hitoshi/handleclaim/internal/middleware"
	"github.com/hitoshi/handleclaim/internal/model"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	// CreateIdentity はidentityを作成する。
	CreateIdentity(ctx context.Context, in account.CreateIdentityInput) (*model.Identity, error)
	// CreateVerificationToken はワンタイムコードを発行して送信する。
	CreateVerificationToken(ctx context.Context, identityID, destination string) (*model.VerificationToken, error)
	// CreateSession はワンタイムコードを検証してセッションを発行する。
	CreateSession(ctx context.Context, identityID, code string) (*model.Session, error)
	// CreatePasswordSession はメールアドレスとパスワードでセッションを発行する。
	CreatePasswordSession(ctx context.Context, email, password string) (*model.Session, error)
	// GetAccount は現在のidentityと取得済みユーザー名を返す。
	GetAccount(ctx context.Context, userID string) (*account.Account, error)
	// Logout はセッションを破棄する。
	Logout(ctx context.Context, sessionID string) error
}

// UserServiceInterface は退会処理のサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザー名レコード・トークン・セッション・identityを削除する。
	Withdraw(ctx context.Context, userID string) error
}

// AccountHandlerConfig はアカウントハンドラーの設定。
type AccountHandlerConfig struct {
	// ReturnVerificationCode がtrueの場合、コード発行レスポンスにコードを含める。開発環境専用。
	ReturnVerificationCode bool
}

// AccountHandler はidentity・ワンタイムコード・セッションのHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
	users   UserServiceInterface
	config  AccountHandlerConfig
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface, users UserServiceInterface, config AccountHandlerConfig) *AccountHandler {
	return &AccountHandler{
		service: service,
		users:   users,
		config:  config,
	}
}

// identityResponse はidentityのAPIレスポンス。パスワードハッシュは含めない。
type identityResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Verified  bool      `json:"emailVerification"`
	CreatedAt time.Time `json:"createdAt"`
}

// accountResponse はGET /v1/accountのAPIレスポンス。
type accountResponse struct {
	identityResponse
	Username *documentResponse `json:"username"`
}

// tokenResponse はコード発行のAPIレスポンス。
type tokenResponse struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Secret    string    `json:"secret,omitempty"`
}

// sessionResponse はセッション発行のAPIレスポンス。
type sessionResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Token     string    `json:"token"`
}

type createIdentityRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type createTokenRequest struct {
	UserID      string `json:"userId"`
	Destination string `json:"destination"`
}

type createSessionRequest struct {
	UserID string `json:"userId"`
	Secret string `json:"secret"`
}

type createPasswordSessionRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateIdentity はidentityを作成する。
// POST /v1/account
func (h *AccountHandler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	identity, err := h.service.CreateIdentity(r.Context(), account.CreateIdentityInput{
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, toIdentityResponse(identity))
}

// CreateVerificationToken はワンタイムコードを発行する。
// POST /v1/account/tokens
func (h *AccountHandler) CreateVerificationToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("userIdは必須です"))
		return
	}

	token, err := h.service.CreateVerificationToken(r.Context(), req.UserID, req.Destination)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := tokenResponse{
		UserID:    token.IdentityID,
		ExpiresAt: token.ExpiresAt.UTC(),
	}
	if h.config.ReturnVerificationCode {
		resp.Secret = token.Code
	}
	middleware.WriteJSON(w, http.StatusCreated, resp)
}

// CreateSession はワンタイムコードを検証してセッションを発行する。
// POST /v1/account/sessions
func (h *AccountHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	session, err := h.service.CreateSession(r.Context(), req.UserID, req.Secret)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, toSessionResponse(session))
}

// CreatePasswordSession はメールアドレスとパスワードでセッションを発行する。
// POST /v1/account/sessions/password
func (h *AccountHandler) CreatePasswordSession(w http.ResponseWriter, r *http.Request) {
	var req createPasswordSessionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	session, err := h.service.CreatePasswordSession(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, toSessionResponse(session))
}

// GetAccount は現在のidentityと取得済みユーザー名を返す。
// GET /v1/account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	acct, err := h.service.GetAccount(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := accountResponse{identityResponse: toIdentityResponse(acct.Identity)}
	if acct.Username != nil {
		doc := toDocumentResponse(acct.Username)
		resp.Username = &doc
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// DeleteAccount は退会処理を実行する。ユーザー名は解放される。
// DELETE /v1/account
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.users.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Logout は現在のセッションを破棄する。
// DELETE /v1/account/sessions/current
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Logout(r.Context(), sessionID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeJSONBody はリクエストボディをvにデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(v); err != nil {
		writeInvalidBody(w)
		return false
	}
	return true
}

func toIdentityResponse(identity *model.Identity) identityResponse {
	return identityResponse{
		ID:        identity.ID,
		Email:     identity.Email,
		Phone:     identity.Phone,
		Verified:  identity.Verified(),
		CreatedAt: identity.CreatedAt.UTC(),
	}
}

func toSessionResponse(session *model.Session) sessionResponse {
	return sessionResponse{
		ID:        session.ID,
		UserID:    session.UserID,
		ExpiresAt: session.ExpiresAt.UTC(),
		Token:     session.Token,
	}
}
