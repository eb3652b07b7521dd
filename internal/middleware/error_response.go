package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/handleclaim/internal/model"
)

// contentTypeJSON はすべてのAPIレスポンスのContent-Type。
const contentTypeJSON = "application/json; charset=utf-8"

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// クライアントはcodeで分岐し、messageとactionをそのまま利用者に表示できる。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteJSON はvをJSONにエンコードしてから書き込む。
// エンコードに失敗した場合はステータスを書く前に500へ切り替えるため、途中までのボディは返らない。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
		statusCode = http.StatusInternalServerError
		buf.Reset()
		internal := model.NewInternalError()
		_ = json.NewEncoder(&buf).Encode(ErrorResponseBody{
			Code:     internal.Code,
			Message:  internal.Message,
			Category: internal.Category,
			Action:   internal.Action,
		})
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("failed to write response", slog.String("error", err.Error()))
	}
}
