package baas

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/handleclaim/internal/model"
)

// document はドキュメントのJSON表現。
type document struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
}

func (d document) toModel() *model.UsernameRecord {
	return &model.UsernameRecord{
		ID:        d.ID,
		Username:  d.Username,
		OwnerID:   d.OwnerID,
		Name:      d.Name,
		Email:     d.Email,
		Phone:     d.Phone,
		CreatedAt: d.CreatedAt,
	}
}

type documentList struct {
	Total     int        `json:"total"`
	Documents []document `json:"documents"`
}

type documentData struct {
	Username string `json:"username"`
	OwnerID  string `json:"ownerId,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type createDocumentRequest struct {
	DocumentID string       `json:"documentId"`
	Data       documentData `json:"data"`
}

func (c *Client) documentsPath() string {
	return "/databases/" + url.PathEscape(c.cfg.DatabaseID) +
		"/collections/" + url.PathEscape(c.cfg.CollectionID) + "/documents"
}

// ListByUsername はユーザー名に完全一致するドキュメントを検索する。
func (c *Client) ListByUsername(ctx context.Context, username string, limit int) (*model.DocumentList, error) {
	q := url.Values{}
	q.Set("field", "username")
	q.Set("op", "equal")
	q.Set("value", username)
	if limit >= 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp documentList
	if err := c.do(ctx, "list documents", http.MethodGet, c.documentsPath(), q, nil, &resp); err != nil {
		return nil, err
	}

	list := &model.DocumentList{Total: resp.Total, Documents: make([]*model.UsernameRecord, 0, len(resp.Documents))}
	for _, d := range resp.Documents {
		list.Documents = append(list.Documents, d.toModel())
	}
	return list, nil
}

// Exists はユーザー名のドキュメントが存在するかを返す。totalのみを参照するためlimit=0で問い合わせる。
func (c *Client) Exists(ctx context.Context, username string) (bool, error) {
	list, err := c.ListByUsername(ctx, username, 0)
	if err != nil {
		return false, err
	}
	return list.Total > 0, nil
}

// FindByUsername はユーザー名でドキュメントを取得する。見つからない場合はnilを返す。
func (c *Client) FindByUsername(ctx context.Context, username string) (*model.UsernameRecord, error) {
	list, err := c.ListByUsername(ctx, username, 1)
	if err != nil {
		return nil, err
	}
	if len(list.Documents) == 0 {
		return nil, nil
	}
	return list.Documents[0], nil
}

// Insert はドキュメントを作成し、採番されたID・作成日時をrecに反映する。
// 一意性違反はKindAlreadyTaken、ownerの重複はKindOwnerAlreadyClaimedとして返る。
func (c *Client) Insert(ctx context.Context, rec *model.UsernameRecord) error {
	documentID := rec.ID
	if documentID == "" {
		documentID = model.UniqueDocumentID
	}

	req := createDocumentRequest{
		DocumentID: documentID,
		Data: documentData{
			Username: rec.Username,
			OwnerID:  rec.OwnerID,
			Name:     rec.Name,
			Email:    rec.Email,
			Phone:    rec.Phone,
		},
	}

	var created document
	if err := c.do(ctx, "create document", http.MethodPost, c.documentsPath(), nil, req, &created); err != nil {
		return err
	}

	rec.ID = created.ID
	rec.OwnerID = created.OwnerID
	rec.Name = created.Name
	rec.CreatedAt = created.CreatedAt
	return nil
}
