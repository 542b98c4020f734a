package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/catalogwatch/internal/middleware"
	"github.com/hitoshi/catalogwatch/internal/model"
)

// cursorSeparator はカーソル中の発生日時とイベントIDの区切り文字。
const cursorSeparator = "~"

// EventServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
type EventServiceInterface interface {
	// List は条件に一致するイベントを新しい順に返す。
	List(ctx context.Context, filter model.EventFilter) ([]model.ChangeEvent, error)
	// MarkRead は指定イベントを既読にし、更新件数を返す。
	MarkRead(ctx context.Context, ids []string) (int64, error)
}

// EventHandler は変更イベントのHTTPハンドラー。
type EventHandler struct {
	service EventServiceInterface
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface) *EventHandler {
	return &EventHandler{service: service}
}

type eventListResponse struct {
	Events     []model.EventRecord `json:"events"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

// List はイベント一覧を取得する。
// GET /api/events?source_id=&unread=&type=&cursor=&limit=
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, apiErr := parseEventFilter(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	events, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := eventListResponse{Events: make([]model.EventRecord, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, ev.ToRecord())
	}
	// 上限まで返った場合のみ続きがある可能性がある
	if len(events) == filter.Limit {
		last := events[len(events)-1]
		resp.NextCursor = encodeCursor(last.OccurredAt, last.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// MarkRead は指定イベントを既読にする。
// PUT /api/events/read
func (h *EventHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}
	if len(req.IDs) == 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("idsが空です"))
		return
	}

	n, err := h.service.MarkRead(r.Context(), req.IDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

// parseEventFilter はクエリパラメータからイベントの取得条件を組み立てる。
// limitは未指定なら50件、200件を超える場合は200件に丸める。
func parseEventFilter(r *http.Request) (model.EventFilter, *model.APIError) {
	q := r.URL.Query()
	var filter model.EventFilter

	if v := q.Get("source_id"); v != "" {
		if _, err := uuid.Parse(v); err != nil {
			return filter, model.NewInvalidFilterError("source_id=" + v)
		}
		filter.SourceID = v
	}
	if v := q.Get("unread"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, model.NewInvalidFilterError("unread=" + v)
		}
		filter.UnreadOnly = b
	}
	if v := q.Get("type"); v != "" {
		filter.Type = model.ChangeType(v)
	}
	if v := q.Get("cursor"); v != "" {
		before, id, err := decodeCursor(v)
		if err != nil {
			return filter, model.NewInvalidFilterError("cursor=" + v)
		}
		filter.Before = before
		filter.BeforeID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, model.NewInvalidFilterError("limit=" + v)
		}
		filter.Limit = n
	}
	if filter.Limit == 0 {
		filter.Limit = defaultEventsPerPage
	}
	if filter.Limit > maxEventsPerPage {
		filter.Limit = maxEventsPerPage
	}
	return filter, nil
}

// イベント一覧の1回の取得件数。
const (
	defaultEventsPerPage = 50
	maxEventsPerPage     = 200
)

// encodeCursor は次ページ取得用のカーソルを生成する。
func encodeCursor(at time.Time, id string) string {
	return at.UTC().Format(time.RFC3339Nano) + cursorSeparator + id
}

// decodeCursor はカーソルを発生日時とイベントIDに分解する。
// RFC3339形式の日時のみのカーソルも受け付ける。
func decodeCursor(cursor string) (time.Time, string, error) {
	ts, id, hasID := strings.Cut(cursor, cursorSeparator)
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", err
	}
	if !hasID {
		return at, "", nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return time.Time{}, "", err
	}
	return at, id, nil
}
