package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/handleclaim/internal/account"
	"github.com/hitoshi/handleclaim/internal/claim"
	"github.com/hitoshi/handleclaim/internal/middleware"
	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/repository"
	"github.com/hitoshi/handleclaim/internal/security"
	"github.com/hitoshi/handleclaim/internal/username"
)

const (
	// defaultListLimit はlistDocumentsのデフォルト取得件数。
	defaultListLimit = 25
	// maxListLimit はlistDocumentsの最大取得件数。
	maxListLimit = 100
	// maxDocumentIDLength は明示指定するドキュメントIDの最大長。
	maxDocumentIDLength = 36
	// maxRequestBodyBytes はJSONリクエストボディの上限。
	maxRequestBodyBytes = 64 << 10
)

// DocumentLister はユーザー名レコードの一覧を返す。
type DocumentLister interface {
	// List はレコード一覧を返す。usernameが空でなければ完全一致で絞り込む。
	List(ctx context.Context, username string, limit int) (*model.DocumentList, error)
}

// UsernameClaimer はユーザー名を取得する。claim.Committerが実装する。
type UsernameClaimer interface {
	ClaimWithID(ctx context.Context, documentID, username, ownerID string, profile model.Profile) claim.Result
}

// CollectionConfig は公開するデータベースIDとコレクションIDの設定。
type CollectionConfig struct {
	DatabaseID   string
	CollectionID string
}

// DocumentHandler はユーザー名コレクションのHTTPハンドラー。
type DocumentHandler struct {
	lister     DocumentLister
	claimer    UsernameClaimer
	sanitizer  *security.NameSanitizer
	collection CollectionConfig
}

// NewDocumentHandler はDocumentHandlerを生成する。
func NewDocumentHandler(lister DocumentLister, claimer UsernameClaimer, sanitizer *security.NameSanitizer, collection CollectionConfig) *DocumentHandler {
	return &DocumentHandler{
		lister:     lister,
		claimer:    claimer,
		sanitizer:  sanitizer,
		collection: collection,
	}
}

// documentResponse はユーザー名レコードのAPIレスポンス。
type documentResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// documentListResponse はlistDocumentsのAPIレスポンス。
type documentListResponse struct {
	Total     int                `json:"total"`
	Documents []documentResponse `json:"documents"`
}

// createDocumentRequest はcreateDocumentのリクエストボディ。
type createDocumentRequest struct {
	DocumentID string `json:"documentId"`
	Data       struct {
		Username string `json:"username"`
		OwnerID  string `json:"ownerId"`
		Name     string `json:"name"`
		Email    string `json:"email"`
		Phone    string `json:"phone"`
	} `json:"data"`
}

// ListDocuments はユーザー名レコードを検索する。
// GET /v1/databases/{databaseId}/collections/{collectionId}/documents?field=username&op=equal&value=...
func (h *DocumentHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	if !h.collectionMatches(r) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("コレクション"))
		return
	}

	q := r.URL.Query()
	field, op, value := q.Get("field"), q.Get("op"), q.Get("value")
	if field != "" || op != "" || value != "" {
		if field != "username" || op != "equal" || value == "" {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidRequestError("サポートしているクエリは field=username&op=equal&value=... のみです"))
			return
		}
	}

	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("limitは0〜100の整数で指定してください"))
		return
	}

	list, err := h.lister.List(r.Context(), value, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := documentListResponse{
		Total:     list.Total,
		Documents: make([]documentResponse, 0, len(list.Documents)),
	}
	for _, rec := range list.Documents {
		resp.Documents = append(resp.Documents, toDocumentResponse(rec))
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// CreateDocument はユーザー名レコードを作成する。ownerIdはセッションのidentityに固定される。
// POST /v1/databases/{databaseId}/collections/{collectionId}/documents
func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if !h.collectionMatches(r) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("コレクション"))
		return
	}

	var req createDocumentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Data.OwnerID != "" && req.Data.OwnerID != userID {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return
	}

	if !isValidDocumentID(req.DocumentID) {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("documentIdは\"unique\"または36文字以内の英数字・ピリオド・ハイフン・アンダースコアで指定してください"))
		return
	}

	result := username.Validate(req.Data.Username)
	if !result.OK() {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidUsernameError(validationReason(result.Err)))
		return
	}

	profile, err := buildProfile(h.sanitizer, req.Data.Name, req.Data.Email, req.Data.Phone, result.Username)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	res := h.claimer.ClaimWithID(r.Context(), req.DocumentID, result.Username, userID, profile)
	switch res.Outcome {
	case claim.OutcomeClaimed:
		middleware.WriteJSON(w, http.StatusCreated, toDocumentResponse(res.Record))
	case claim.OutcomeAlreadyTaken:
		writeAPIErrorResponse(w, http.StatusConflict, model.NewDocumentAlreadyExistsError(result.Username))
	default:
		if errors.Is(res.Reason, repository.ErrDuplicateDocumentID) {
			writeAPIErrorResponse(w, http.StatusConflict, model.NewDocumentAlreadyExistsError(req.DocumentID))
			return
		}
		handleServiceError(w, res.Reason)
	}
}

// buildProfile はプロフィール入力を正規化する。表示名が空の場合はユーザー名を使う。
func buildProfile(sanitizer *security.NameSanitizer, name, email, phone, fallbackName string) (model.Profile, error) {
	profile := model.Profile{Name: sanitizer.Sanitize(name)}
	if profile.Name == "" {
		profile.Name = fallbackName
	}

	if strings.TrimSpace(email) != "" {
		normalized, err := account.NormalizeEmail(email)
		if err != nil {
			return model.Profile{}, err
		}
		profile.Email = normalized
	}

	normalizedPhone, err := account.NormalizePhone(phone)
	if err != nil {
		return model.Profile{}, err
	}
	profile.Phone = normalizedPhone

	return profile, nil
}

// collectionMatches はURLのデータベースID・コレクションIDが設定と一致するかを返す。
func (h *DocumentHandler) collectionMatches(r *http.Request) bool {
	return chi.URLParam(r, "databaseId") == h.collection.DatabaseID &&
		chi.URLParam(r, "collectionId") == h.collection.CollectionID
}

// parseLimit はlimitクエリを解析する。未指定の場合はdefaultListLimit。
func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxListLimit {
		return 0, false
	}
	return n, true
}

// isValidDocumentID はドキュメントIDの形式を検証する。
// 空または"unique"はサーバー側での採番を意味する。
func isValidDocumentID(id string) bool {
	if id == "" || id == model.UniqueDocumentID {
		return true
	}
	if len(id) > maxDocumentIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case (c == '.' || c == '-' || c == '_') && i > 0:
		default:
			return false
		}
	}
	return true
}

// validationReason は検証エラーから利用者向けの理由を取り出す。
func validationReason(err error) string {
	var e *model.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

func toDocumentResponse(rec *model.UsernameRecord) documentResponse {
	return documentResponse{
		ID:        rec.ID,
		Username:  rec.Username,
		OwnerID:   rec.OwnerID,
		Name:      rec.Name,
		Email:     rec.Email,
		Phone:     rec.Phone,
		CreatedAt: rec.CreatedAt.UTC(),
	}
}
