package baas

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/handleclaim/internal/model"
)

type identity struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone"`
	EmailVerification bool      `json:"emailVerification"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (i identity) toModel() *model.Identity {
	id := &model.Identity{
		ID:        i.ID,
		Email:     i.Email,
		Phone:     i.Phone,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.CreatedAt,
	}
	if i.EmailVerification {
		// 検証日時はAPIに含まれないため作成日時で代用する
		verifiedAt := i.CreatedAt
		id.VerifiedAt = &verifiedAt
	}
	return id
}

type account struct {
	identity
	Username *document `json:"username"`
}

type createIdentityRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password,omitempty"`
}

type createTokenRequest struct {
	UserID      string `json:"userId"`
	Destination string `json:"destination,omitempty"`
}

type tokenResponse struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Secret    string    `json:"secret"`
}

type createSessionRequest struct {
	UserID string `json:"userId"`
	Secret string `json:"secret"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Token     string    `json:"token"`
}

// CreateIdentity はidentityを作成する。登録済みのメールアドレスはKindIdentityExistsを返す。
func (c *Client) CreateIdentity(ctx context.Context, email, password string) (*model.Identity, error) {
	var resp identity
	err := c.do(ctx, "create identity", http.MethodPost, "/account", nil,
		createIdentityRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// CreateVerificationToken はワンタイムコードの送信を依頼する。
// サーバーが開発モードの場合のみ、返却されるトークンのCodeに平文コードが入る。
func (c *Client) CreateVerificationToken(ctx context.Context, identityID, destination string) (*model.VerificationToken, error) {
	var resp tokenResponse
	err := c.do(ctx, "create verification token", http.MethodPost, "/account/tokens", nil,
		createTokenRequest{UserID: identityID, Destination: destination}, &resp)
	if err != nil {
		return nil, err
	}
	return &model.VerificationToken{
		IdentityID:  resp.UserID,
		Destination: destination,
		ExpiresAt:   resp.ExpiresAt,
		Code:        resp.Secret,
	}, nil
}

// CreateSession はワンタイムコードを検証してセッションを作成する。
// 成功した場合、以降のリクエストにはこのセッションのトークンが付与される。
func (c *Client) CreateSession(ctx context.Context, identityID, code string) (*model.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, "create session", http.MethodPost, "/account/sessions", nil,
		createSessionRequest{UserID: identityID, Secret: code}, &resp)
	if err != nil {
		return nil, err
	}

	c.SetSessionToken(resp.Token)
	return &model.Session{
		ID:        resp.ID,
		UserID:    resp.UserID,
		ExpiresAt: resp.ExpiresAt,
		Token:     resp.Token,
	}, nil
}

// GetAccount は現在のセッションのidentityと取得済みユーザー名を返す。
// ユーザー名が未取得の場合、2つ目の戻り値はnil。
func (c *Client) GetAccount(ctx context.Context) (*model.Identity, *model.UsernameRecord, error) {
	var resp account
	if err := c.do(ctx, "get account", http.MethodGet, "/account", nil, nil, &resp); err != nil {
		return nil, nil, err
	}

	var rec *model.UsernameRecord
	if resp.Username != nil {
		rec = resp.Username.toModel()
	}
	return resp.identity.toModel(), rec, nil
}

// Logout は現在のセッションを削除し、保持しているトークンを破棄する。
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, "logout", http.MethodDelete, "/account/sessions/current", nil, nil, nil); err != nil {
		return err
	}
	c.SetSessionToken("")
	return nil
}
