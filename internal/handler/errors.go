package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/handleclaim/internal/middleware"
	"github.com/hitoshi/handleclaim/internal/model"
)

// serviceRetryAfterSeconds はサービス層がレート制限を返したときのRetry-After秒数。
const serviceRetryAfterSeconds = 30

// writeAPIErrorResponse はAPIErrorを統一フォーマットでレスポンスに書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeUnauthorized は401レスポンスを書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}

// writeInvalidBody はリクエストボディの解析失敗を400で返す。
func writeInvalidBody(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var domainErr *model.Error
	if !errors.As(err, &domainErr) {
		// 種別を持たないエラーは内部サーバーエラーとして扱う
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	switch domainErr.Kind {
	case model.KindInvalidFormat:
		reason := "入力形式が不正です"
		if domainErr.Err != nil {
			reason = domainErr.Err.Error()
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
	case model.KindAlreadyTaken:
		writeAPIErrorResponse(w, http.StatusConflict, model.NewUsernameTakenError(""))
	case model.KindOwnerAlreadyClaimed:
		writeAPIErrorResponse(w, http.StatusConflict, model.NewOwnerAlreadyClaimedError())
	case model.KindIdentityExists:
		writeAPIErrorResponse(w, http.StatusConflict, model.NewIdentityExistsError())
	case model.KindInvalidState:
		writeAPIErrorResponse(w, http.StatusConflict, model.NewInvalidRequestError("現在の状態では実行できません"))
	case model.KindVerificationFailed:
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewVerificationFailedError())
	case model.KindUnauthorized:
		writeUnauthorized(w)
	case model.KindNotFound:
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("アカウント"))
	case model.KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(serviceRetryAfterSeconds))
		writeAPIErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
	default:
		slog.Error("internal server error",
			slog.String("kind", string(domainErr.Kind)),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidUsername, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized, model.ErrCodeVerificationFailed:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeUsernameTaken, model.ErrCodeDocumentAlreadyExists,
		model.ErrCodeOwnerAlreadyClaimed, model.ErrCodeIdentityExists:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
