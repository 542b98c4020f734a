package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/catalogwatch/internal/middleware"
	"github.com/hitoshi/catalogwatch/internal/model"
	"github.com/hitoshi/catalogwatch/internal/worker/fetch"
)

// SourceServiceInterface はソースハンドラーが必要とするサービスインターフェース。
type SourceServiceInterface interface {
	// Register はアドレスからカタログを検出しソースを登録する。
	Register(ctx context.Context, name, address string) (*model.Source, error)
	// List は集計付きのソース一覧を返す。
	List(ctx context.Context) ([]model.SourceSummary, error)
	// Get はソースを取得する。存在しない場合はAPIErrorを返す。
	Get(ctx context.Context, id string) (*model.Source, error)
	// Delete はソースと配下の全データを削除する。
	Delete(ctx context.Context, id string) error
	// Items はソースの商品一覧を返す。
	Items(ctx context.Context, id string, includeRemoved bool) ([]model.Item, error)
}

// PhaseReader はソースの現在の同期フェーズを返す。
type PhaseReader interface {
	Phase(sourceID string) fetch.Phase
}

// SourceHandler はソース管理のHTTPハンドラー。
type SourceHandler struct {
	service SourceServiceInterface
	phases  PhaseReader
}

// NewSourceHandler はSourceHandlerを生成する。phasesはnilでもよい。
func NewSourceHandler(service SourceServiceInterface, phases PhaseReader) *SourceHandler {
	return &SourceHandler{
		service: service,
		phases:  phases,
	}
}

// registerSourceRequest はソース登録リクエストのボディ。
type registerSourceRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// --- レスポンス型 ---

type sourceErrorResponse struct {
	Kind    model.SyncErrorKind `json:"kind"`
	Message string              `json:"message"`
	At      *time.Time          `json:"at,omitempty"`
}

type sourceResponse struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Address      string               `json:"address"`
	CatalogURL   string               `json:"catalog_url"`
	Format       model.CatalogFormat  `json:"format"`
	LastPolledAt *time.Time           `json:"last_polled_at"`
	IsSyncing    bool                 `json:"is_syncing"`
	Phase        fetch.Phase          `json:"phase,omitempty"`
	Error        *sourceErrorResponse `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

type sourceSummaryResponse struct {
	sourceResponse
	ItemCount      int `json:"item_count"`
	AvailableCount int `json:"available_count"`
	UnreadEvents   int `json:"unread_events"`
}

type variantResponse struct {
	ID             string           `json:"id"`
	ExternalID     string           `json:"external_id"`
	Title          string           `json:"title"`
	SKU            string           `json:"sku,omitempty"`
	Price          decimal.Decimal  `json:"price"`
	CompareAtPrice *decimal.Decimal `json:"compare_at_price"`
	Available      bool             `json:"available"`
	Position       int              `json:"position"`
}

type itemResponse struct {
	ID           string            `json:"id"`
	ExternalID   string            `json:"external_id"`
	Title        string            `json:"title"`
	Handle       string            `json:"handle,omitempty"`
	Category     string            `json:"category,omitempty"`
	Vendor       string            `json:"vendor,omitempty"`
	Images       []string          `json:"images"`
	PreviewImage string            `json:"preview_image,omitempty"`
	MinPrice     *decimal.Decimal  `json:"min_price"`
	MaxPrice     *decimal.Decimal  `json:"max_price"`
	IsAvailable  bool              `json:"is_available"`
	IsRemoved    bool              `json:"is_removed"`
	FirstSeenAt  time.Time         `json:"first_seen_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	Variants     []variantResponse `json:"variants"`
}

// Register はソース登録を処理する。
// POST /api/sources
func (h *SourceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerSourceRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	if req.Address == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("アドレスが空です"))
		return
	}

	src, err := h.service.Register(r.Context(), req.Name, req.Address)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toSourceResponse(src))
}

// List はソース一覧を取得する。
// GET /api/sources
func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]sourceSummaryResponse, 0, len(summaries))
	for i := range summaries {
		s := &summaries[i]
		resp = append(resp, sourceSummaryResponse{
			sourceResponse: h.toSourceResponse(&s.Source),
			ItemCount:      s.ItemCount,
			AvailableCount: s.AvailableCount,
			UnreadEvents:   s.UnreadEvents,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はソース詳細を取得する。
// GET /api/sources/:id
func (h *SourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	src, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSourceResponse(src))
}

// Delete はソースを削除する。
// DELETE /api/sources/:id
func (h *SourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Items はソースの商品一覧を取得する。
// GET /api/sources/:id/items?include_removed=true
func (h *SourceHandler) Items(w http.ResponseWriter, r *http.Request) {
	includeRemoved := false
	if v := r.URL.Query().Get("include_removed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("include_removed="+v))
			return
		}
		includeRemoved = b
	}

	items, err := h.service.Items(r.Context(), chi.URLParam(r, "id"), includeRemoved)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]itemResponse, 0, len(items))
	for i := range items {
		resp = append(resp, toItemResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- ヘルパー関数 ---

func (h *SourceHandler) toSourceResponse(src *model.Source) sourceResponse {
	resp := sourceResponse{
		ID:           src.ID,
		Name:         src.Name,
		Address:      src.Address,
		CatalogURL:   src.CatalogURL,
		Format:       src.Format,
		LastPolledAt: src.LastPolledAt,
		IsSyncing:    src.IsSyncing,
		CreatedAt:    src.CreatedAt,
	}
	if h.phases != nil {
		resp.Phase = h.phases.Phase(src.ID)
	}
	if src.HasError() {
		resp.Error = &sourceErrorResponse{
			Kind:    src.ErrorKind,
			Message: src.ErrorMessage,
			At:      src.ErrorAt,
		}
	}
	return resp
}

func toItemResponse(it *model.Item) itemResponse {
	images := it.Images
	if images == nil {
		images = []string{}
	}
	resp := itemResponse{
		ID:           it.ID,
		ExternalID:   it.ExternalID,
		Title:        it.Title,
		Handle:       it.Handle,
		Category:     it.Category,
		Vendor:       it.Vendor,
		Images:       images,
		PreviewImage: it.PreviewImage,
		MinPrice:     nullDecimalPtr(it.MinPrice),
		MaxPrice:     nullDecimalPtr(it.MaxPrice),
		IsAvailable:  it.IsAvailable,
		IsRemoved:    it.IsRemoved,
		FirstSeenAt:  it.FirstSeenAt,
		LastSeenAt:   it.LastSeenAt,
		Variants:     make([]variantResponse, 0, len(it.Variants)),
	}
	for _, v := range it.Variants {
		resp.Variants = append(resp.Variants, variantResponse{
			ID:             v.ID,
			ExternalID:     v.ExternalID,
			Title:          v.Title,
			SKU:            v.SKU,
			Price:          v.Price,
			CompareAtPrice: nullDecimalPtr(v.CompareAtPrice),
			Available:      v.Available,
			Position:       v.Position,
		})
	}
	return resp
}

func nullDecimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
