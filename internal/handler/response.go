package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/catalogwatch/internal/middleware"
	"github.com/hitoshi/catalogwatch/internal/model"
)

// writeJSON はステータスコード付きでJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody はリクエストボディを読み込む。未知のフィールドはエラーとする。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20

func invalidBodyError() *model.APIError {
	return model.NewInvalidRequestError("リクエストボディの解析に失敗しました")
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeCatalogNotDetected:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidFilter, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFetchFailed, model.ErrCodeSyncFailed:
		return http.StatusBadGateway
	case model.ErrCodeDuplicateSource:
		return http.StatusConflict
	case model.ErrCodeSourceNotFound:
		return http.StatusNotFound
	case model.ErrCodeSyncRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// handleSyncError は同期エラーの種別をHTTPレスポンスに変換する。
// 最小ポーリング間隔によるスキップはRetry-After付きの429で応答する。
func handleSyncError(w http.ResponseWriter, sourceID string, err error) {
	se := model.AsSyncError(err)
	switch se.Kind {
	case model.SyncErrSourceNotFound:
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewSourceNotFoundError(sourceID))
	case model.SyncErrRateLimited:
		sec := se.RetryAfterSeconds()
		middleware.WriteTooManyRequests(w, model.NewSyncRateLimitedError(sec), sec)
	case model.SyncErrNetworkTimeout:
		middleware.WriteErrorResponse(w, http.StatusGatewayTimeout, model.NewSyncFailedError(se.Kind, se.Message))
	case model.SyncErrNetworkUnavailable, model.SyncErrServerError, model.SyncErrInvalidResponse:
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSyncFailedError(se.Kind, se.Message))
	default:
		slog.Error("manual sync failed",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}
