package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/handleclaim/internal/claim"
	"github.com/hitoshi/handleclaim/internal/middleware"
	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/security"
	"github.com/hitoshi/handleclaim/internal/username"
)

const (
	// ActionCheckUsername はユーザー名の空き確認。
	ActionCheckUsername = "checkUsername"
	// ActionCreateUser はユーザー名レコードの作成。actionが省略された場合もこれになる。
	ActionCreateUser = "createUser"

	// maxPayloadDepth は文字列化されたペイロードを展開する最大回数。
	maxPayloadDepth = 2
)

var availableActions = []string{ActionCheckUsername, ActionCreateUser}

// 関数エンドポイントが返すエラーメッセージ。
const (
	msgInvalidRequestFormat = "Invalid request format"
	msgUsernameRequired     = "Username is required"
	msgInvalidLength        = "Username must be between 3 and 20 characters"
	msgInvalidCharset       = "Username can only contain letters, numbers, and underscores"
	msgUsernameTaken        = "Username is already taken"
	msgUsernameAvailable    = "Username is available"
	msgMissingFields        = "Missing required fields: userId, username, name"
	msgAuthRequired         = "Authentication required"
	msgUserMismatch         = "userId does not match the current session"
	msgOwnerAlreadyClaimed  = "This account already has a username"
	msgUserCreated          = "User profile created successfully"
	msgCreateFailed         = "Failed to create user profile"
	msgCheckFailed          = "Database connection error"
	msgRateLimited          = "Too many requests, please try again later"
	msgInvalidAction        = "Invalid action specified"
)

// UsernameChecker はユーザー名の空き状況を確認する。claim.Checkerが実装する。
type UsernameChecker interface {
	Check(ctx context.Context, username string) claim.Availability
}

// FunctionRequest は関数エンドポイントのリクエストを解決した結果。
type FunctionRequest struct {
	Action   string `json:"action"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

// functionResponse は関数エンドポイントのレスポンス。
type functionResponse struct {
	Success          bool              `json:"success"`
	Available        *bool             `json:"available,omitempty"`
	Error            string            `json:"error,omitempty"`
	Message          string            `json:"message,omitempty"`
	User             *documentResponse `json:"user,omitempty"`
	AvailableActions []string          `json:"availableActions,omitempty"`
}

// FunctionHandler はユーザー名関数（checkUsername / createUser）のHTTPハンドラー。
type FunctionHandler struct {
	checker   UsernameChecker
	claimer   UsernameClaimer
	sanitizer *security.NameSanitizer
}

// NewFunctionHandler はFunctionHandlerを生成する。
func NewFunctionHandler(checker UsernameChecker, claimer UsernameClaimer, sanitizer *security.NameSanitizer) *FunctionHandler {
	return &FunctionHandler{
		checker:   checker,
		claimer:   claimer,
		sanitizer: sanitizer,
	}
}

// Execute はペイロードのactionに応じて処理を振り分ける。
// POST /v1/functions/username/executions
func (h *FunctionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeFunctionError(w, http.StatusBadRequest, msgInvalidRequestFormat)
		return
	}

	req, err := decodeFunctionRequest(body)
	if err != nil {
		slog.Warn("failed to parse function payload", slog.String("error", err.Error()))
		writeFunctionError(w, http.StatusBadRequest, msgInvalidRequestFormat)
		return
	}

	switch req.Action {
	case ActionCheckUsername:
		h.checkUsername(w, r, req)
	case ActionCreateUser, "":
		h.createUser(w, r, req)
	default:
		middleware.WriteJSON(w, http.StatusBadRequest, functionResponse{
			Error:            msgInvalidAction,
			AvailableActions: availableActions,
		})
	}
}

func (h *FunctionHandler) checkUsername(w http.ResponseWriter, r *http.Request, req FunctionRequest) {
	if req.Username == "" {
		writeFunctionError(w, http.StatusBadRequest, msgUsernameRequired)
		return
	}

	result := username.Validate(req.Username)
	if !result.OK() {
		writeFunctionError(w, http.StatusBadRequest, validationMessage(result.Err))
		return
	}

	availability := h.checker.Check(r.Context(), result.Username)
	switch availability.Status {
	case claim.StatusAvailable:
		available := true
		middleware.WriteJSON(w, http.StatusOK, functionResponse{
			Success:   true,
			Available: &available,
			Message:   msgUsernameAvailable,
		})
	case claim.StatusTaken:
		// 問い合わせへの回答なので衝突扱いにはしない
		available := false
		middleware.WriteJSON(w, http.StatusOK, functionResponse{
			Available: &available,
			Error:     msgUsernameTaken,
		})
	default:
		writeFunctionFailure(w, availability.Reason, msgCheckFailed)
	}
}

func (h *FunctionHandler) createUser(w http.ResponseWriter, r *http.Request, req FunctionRequest) {
	sessionUserID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeFunctionError(w, http.StatusUnauthorized, msgAuthRequired)
		return
	}

	if req.UserID == "" || req.Username == "" || req.Name == "" {
		writeFunctionError(w, http.StatusBadRequest, msgMissingFields)
		return
	}
	if req.UserID != sessionUserID {
		writeFunctionError(w, http.StatusForbidden, msgUserMismatch)
		return
	}

	result := username.Validate(req.Username)
	if !result.OK() {
		writeFunctionError(w, http.StatusBadRequest, validationMessage(result.Err))
		return
	}

	profile, err := buildProfile(h.sanitizer, req.Name, req.Email, req.Phone, result.Username)
	if err != nil {
		writeFunctionError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.claimer.ClaimWithID(r.Context(), model.UniqueDocumentID, result.Username, sessionUserID, profile)
	switch res.Outcome {
	case claim.OutcomeClaimed:
		doc := toDocumentResponse(res.Record)
		middleware.WriteJSON(w, http.StatusOK, functionResponse{
			Success: true,
			User:    &doc,
			Message: msgUserCreated,
		})
	case claim.OutcomeAlreadyTaken:
		writeFunctionError(w, http.StatusConflict, msgUsernameTaken)
	default:
		if errors.Is(res.Reason, model.ErrOwnerAlreadyClaimed) {
			writeFunctionError(w, http.StatusConflict, msgOwnerAlreadyClaimed)
			return
		}
		writeFunctionFailure(w, res.Reason, msgCreateFailed)
	}
}

// decodeFunctionRequest はリクエストボディをFunctionRequestに解決する。
// ボディはオブジェクトそのもの、オブジェクトをJSON文字列化したもの、
// または {"payload": 文字列またはオブジェクト} のいずれでもよい。空のボディは空のリクエストとして扱う。
func decodeFunctionRequest(body []byte) (FunctionRequest, error) {
	return decodePayload(body, 0)
}

func decodePayload(raw []byte, depth int) (FunctionRequest, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return FunctionRequest{}, nil
	}

	switch raw[0] {
	case '"':
		if depth >= maxPayloadDepth {
			return FunctionRequest{}, errors.New("payload is nested too deeply")
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return FunctionRequest{}, err
		}
		return decodePayload([]byte(s), depth+1)

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return FunctionRequest{}, err
		}
		if inner, ok := fields["payload"]; ok && len(fields) == 1 {
			if depth >= maxPayloadDepth {
				return FunctionRequest{}, errors.New("payload is nested too deeply")
			}
			return decodePayload(inner, depth+1)
		}
		var req FunctionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return FunctionRequest{}, err
		}
		return req, nil

	default:
		return FunctionRequest{}, errors.New("payload must be a JSON object or string")
	}
}

// validationMessage はユーザー名の検証エラーを利用者向けメッセージにする。
func validationMessage(err error) string {
	switch {
	case errors.Is(err, username.ErrInvalidLength):
		return msgInvalidLength
	case errors.Is(err, username.ErrInvalidCharset):
		return msgInvalidCharset
	default:
		return validationReason(err)
	}
}

// writeFunctionFailure は確認・作成の失敗を種別に応じたステータスで返す。
func writeFunctionFailure(w http.ResponseWriter, reason error, fallback string) {
	switch model.KindOf(reason) {
	case model.KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(serviceRetryAfterSeconds))
		writeFunctionError(w, http.StatusTooManyRequests, msgRateLimited)
	case model.KindInvalidFormat:
		writeFunctionError(w, http.StatusBadRequest, validationReason(reason))
	default:
		if reason != nil {
			slog.Error("username function failed", slog.String("error", reason.Error()))
		}
		writeFunctionError(w, http.StatusInternalServerError, fallback)
	}
}

func writeFunctionError(w http.ResponseWriter, statusCode int, message string) {
	middleware.WriteJSON(w, statusCode, functionResponse{Error: message})
}
