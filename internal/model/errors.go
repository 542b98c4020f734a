// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, source, sync, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCatalogNotDetected = "CATALOG_NOT_DETECTED"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeSourceNotFound     = "SOURCE_NOT_FOUND"
	ErrCodeDuplicateSource    = "DUPLICATE_SOURCE"
	ErrCodeInvalidFilter      = "INVALID_FILTER"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeSyncRateLimited    = "SYNC_RATE_LIMITED"
	ErrCodeSyncFailed         = "SYNC_FAILED"
)

// NewSourceNotFoundError はソース未検出エラーを生成する。
func NewSourceNotFoundError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("指定されたソースが見つかりません: %s", sourceID),
		Category: "source",
		Action:   "ソースIDを確認してください。",
	}
}

// NewCatalogNotDetectedError はカタログ未検出エラーを生成する。
func NewCatalogNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeCatalogNotDetected,
		Message:  fmt.Sprintf("指定されたURLから商品カタログを検出できませんでした: %s", url),
		Category: "source",
		Action:   "ストアのトップページ、または products.json / .atom のURLを直接入力してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているストアのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "source",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewDuplicateSourceError は同じカタログを二重登録しようとした場合のエラーを生成する。
func NewDuplicateSourceError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSource,
		Message:  "このカタログは既に登録されています。",
		Category: "source",
		Action:   "ソース一覧から該当ソースを確認してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "変更種別には price_dropped、back_in_stock などの定義済みの値を指定してください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	}
}

// NewSyncRateLimitedError は手動同期が最小ポーリング間隔に達していない場合のエラーを生成する。
func NewSyncRateLimitedError(retryAfterSec int) *APIError {
	return &APIError{
		Code:     ErrCodeSyncRateLimited,
		Message:  fmt.Sprintf("このソースは直前に同期されています。%d秒後に再試行できます。", retryAfterSec),
		Category: "sync",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewSyncFailedError は同期の失敗をエラー種別付きで生成する。
func NewSyncFailedError(kind SyncErrorKind, message string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  fmt.Sprintf("同期に失敗しました（%s）: %s", kind, message),
		Category: "sync",
		Action:   "カタログのURLと公開状態を確認し、しばらく待ってから再度お試しください。",
	}
}

// SyncErrorKind は同期処理のエラー分類を表す。
type SyncErrorKind string

const (
	SyncErrSourceNotFound     SyncErrorKind = "source_not_found"
	SyncErrRateLimited        SyncErrorKind = "rate_limited"
	SyncErrNetworkUnavailable SyncErrorKind = "network_unavailable"
	SyncErrNetworkTimeout     SyncErrorKind = "network_timeout"
	SyncErrServerError        SyncErrorKind = "server_error"
	SyncErrInvalidResponse    SyncErrorKind = "invalid_response"
	// SyncErrInternal は想定外の内部エラー（永続化失敗やpanic）。
	SyncErrInternal SyncErrorKind = "internal"
)

// SyncError は同期処理の分類済みエラー。
// 発生地点（トランスポート層）で一度だけ分類され、別の種別に包み直されることはない。
type SyncError struct {
	Kind       SyncErrorKind
	StatusCode int           // SyncErrServerError のみ
	RetryAfter time.Duration // SyncErrRateLimited のみ
	Message    string
	Err        error
}

// 種別判定用のセンチネル。errors.Is(err, model.ErrRateLimited) のように使う。
var (
	ErrSourceNotFound     = &SyncError{Kind: SyncErrSourceNotFound}
	ErrRateLimited        = &SyncError{Kind: SyncErrRateLimited}
	ErrNetworkUnavailable = &SyncError{Kind: SyncErrNetworkUnavailable}
	ErrNetworkTimeout     = &SyncError{Kind: SyncErrNetworkTimeout}
	ErrServerError        = &SyncError{Kind: SyncErrServerError}
	ErrInvalidResponse    = &SyncError{Kind: SyncErrInvalidResponse}
	ErrInternal           = &SyncError{Kind: SyncErrInternal}
)

// Error はerrorインターフェースを実装する。
func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap は原因エラーを返す。
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is は種別が一致する場合にtrueを返す。
// targetのStatusCodeが0以外の場合はステータスコードも比較する。
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.StatusCode == 0 || t.StatusCode == e.StatusCode
}

// RetryAfterSeconds は再試行までの秒数を切り上げで返す。
func (e *SyncError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// NewSourceNotFoundSyncError はソース未検出の同期エラーを生成する。
func NewSourceNotFoundSyncError(sourceID string) *SyncError {
	return &SyncError{
		Kind:    SyncErrSourceNotFound,
		Message: fmt.Sprintf("ソースが見つかりません: %s", sourceID),
	}
}

// NewRateLimitedError は最小ポーリング間隔に達していない場合のエラーを生成する。
func NewRateLimitedError(retryAfter time.Duration) *SyncError {
	return &SyncError{
		Kind:       SyncErrRateLimited,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("最小ポーリング間隔に達していません（%s後に再試行可能）", retryAfter.Round(time.Second)),
	}
}

// NewNetworkUnavailableError は接続失敗のエラーを生成する。
func NewNetworkUnavailableError(err error) *SyncError {
	return &SyncError{
		Kind:    SyncErrNetworkUnavailable,
		Message: "カタログに接続できません",
		Err:     err,
	}
}

// NewNetworkTimeoutError はリクエスト期限超過のエラーを生成する。
func NewNetworkTimeoutError(err error) *SyncError {
	return &SyncError{
		Kind:    SyncErrNetworkTimeout,
		Message: "カタログへのリクエストがタイムアウトしました",
		Err:     err,
	}
}

// NewServerError は5xx応答のエラーを生成する。
func NewServerError(statusCode int) *SyncError {
	return &SyncError{
		Kind:       SyncErrServerError,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("カタログがHTTPステータス %d を返しました", statusCode),
	}
}

// NewInvalidResponseError は解釈できない応答のエラーを生成する。
func NewInvalidResponseError(reason string, err error) *SyncError {
	return &SyncError{
		Kind:    SyncErrInvalidResponse,
		Message: reason,
		Err:     err,
	}
}

// NewInternalError は想定外の内部エラーを生成する。
func NewInternalError(err error) *SyncError {
	return &SyncError{
		Kind:    SyncErrInternal,
		Message: "同期処理中に内部エラーが発生しました",
		Err:     err,
	}
}

// AsSyncError はerrをSyncErrorとして取り出す。
// 分類されていないエラーは SyncErrInternal として包む。
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return NewInternalError(err)
}
