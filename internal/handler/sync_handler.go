package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/catalogwatch/internal/worker/fetch"
)

// SourceSyncer は単一ソースの同期を実行するインターフェース。
type SourceSyncer interface {
	SyncSource(ctx context.Context, sourceID string) (fetch.SyncReport, error)
}

// FleetTrigger は全ソース同期の実行を要求するインターフェース。
type FleetTrigger interface {
	Trigger() bool
}

// SyncHandler は手動同期のHTTPハンドラー。
type SyncHandler struct {
	syncer  SourceSyncer
	trigger FleetTrigger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(syncer SourceSyncer, trigger FleetTrigger) *SyncHandler {
	return &SyncHandler{
		syncer:  syncer,
		trigger: trigger,
	}
}

type syncReportResponse struct {
	SourceID     string `json:"source_id"`
	ItemsWritten int    `json:"items_written"`
	ItemsRemoved int    `json:"items_removed"`
	Events       int    `json:"events"`
	Snapshots    int    `json:"snapshots"`
	DurationMs   int64  `json:"duration_ms"`
}

type fleetTriggerResponse struct {
	Queued bool `json:"queued"`
}

// SyncSource は単一ソースを即時同期する。
// 定期巡回と同じ最小ポーリング間隔・ソース単位の排他・書き込み直列化を経由する。
// POST /api/sources/:id/sync
func (h *SyncHandler) SyncSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")

	report, err := h.syncer.SyncSource(r.Context(), sourceID)
	if err != nil {
		handleSyncError(w, sourceID, err)
		return
	}

	writeJSON(w, http.StatusOK, syncReportResponse{
		SourceID:     report.SourceID,
		ItemsWritten: report.ItemsWritten,
		ItemsRemoved: report.ItemsRemoved,
		Events:       report.Events,
		Snapshots:    report.Snapshots,
		DurationMs:   report.Duration.Milliseconds(),
	})
}

// TriggerFleet は全ソース同期をスケジューラに要求する。
// 実行待ちの要求がある場合はまとめられ、queuedはfalseになる。
// POST /api/sync
func (h *SyncHandler) TriggerFleet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, fleetTriggerResponse{Queued: h.trigger.Trigger()})
}
