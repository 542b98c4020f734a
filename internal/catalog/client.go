// Package catalog は外部商品カタログの取得とエンドポイント検出を提供する。
// ページネーションを辿って全ページを取得し、トランスポート/HTTPの失敗を
// model.SyncError に分類して返す。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/catalogwatch/internal/model"
)

const userAgent = "Catalogwatch/1.0 (+catalog monitor)"

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// TextSanitizer は表示用テキストからマークアップを除去するインターフェース。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// Options はFetchClientの動作設定。
type Options struct {
	Timeout     time.Duration // 1ページあたりのリクエスト期限
	MaxBodySize int64         // 1ページあたりのレスポンス上限
	MaxPages    int           // 1回のFetchで辿る最大ページ数
	PageRate    float64       // ホストあたりの秒間リクエスト数
}

// DefaultOptions はデフォルト設定を返す。
func DefaultOptions() Options {
	return Options{
		Timeout:     10 * time.Second,
		MaxBodySize: 5 * 1024 * 1024,
		MaxPages:    200,
		PageRate:    2,
	}
}

// Client はカタログフィードの全ページ取得を行う。
type Client struct {
	ssrfGuard  SSRFValidator
	sanitizer  TextSanitizer
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient はClientの新しいインスタンスを生成する。
// ssrfGuardがnilの場合は通常のHTTPクライアントを使用する。
func NewClient(ssrfGuard SSRFValidator, sanitizer TextSanitizer, logger *slog.Logger, opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = def.MaxBodySize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = def.MaxPages
	}
	if opts.PageRate <= 0 {
		opts.PageRate = def.PageRate
	}

	var httpClient *http.Client
	if ssrfGuard != nil {
		httpClient = ssrfGuard.NewSafeClient(opts.Timeout, opts.MaxBodySize)
	} else {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		ssrfGuard:  ssrfGuard,
		sanitizer:  sanitizer,
		httpClient: httpClient,
		logger:     logger,
		opts:       opts,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// page は1ページ分のデコード結果。
type page struct {
	items []model.FetchedItem
	next  string // 次ページのURL。空の場合は最終ページ
}

// Fetch はソースのカタログを次ページ指示がなくなるまで辿り、
// 全ページの商品を取得順に結合して返す。
// 失敗時は model.SyncError（NetworkUnavailable / NetworkTimeout / ServerError / InvalidResponse）を返す。
func (c *Client) Fetch(ctx context.Context, source *model.Source) ([]model.FetchedItem, error) {
	if source.CatalogURL == "" {
		return nil, model.NewInvalidResponseError("カタログURLが設定されていません", nil)
	}
	if c.ssrfGuard != nil {
		if err := c.ssrfGuard.ValidateURL(source.CatalogURL); err != nil {
			return nil, model.NewNetworkUnavailableError(fmt.Errorf("SSRF検証に失敗: %w", err))
		}
	}

	start := time.Now()
	seenPages := make(map[string]struct{})
	seenItems := make(map[string]struct{})
	var items []model.FetchedItem

	next := source.CatalogURL
	pages := 0
	for next != "" {
		if pages >= c.opts.MaxPages {
			return nil, model.NewInvalidResponseError(
				fmt.Sprintf("ページ数が上限（%d）を超えました", c.opts.MaxPages), nil)
		}
		if _, dup := seenPages[next]; dup {
			return nil, model.NewInvalidResponseError(
				fmt.Sprintf("ページネーションカーソルが循環しています: %s", next), nil)
		}
		seenPages[next] = struct{}{}
		pages++

		p, err := c.fetchPage(ctx, next, source.Format)
		if err != nil {
			return nil, err
		}

		// ページ取得中にカタログが更新されると同じ商品が複数ページに現れることがある
		for _, it := range p.items {
			if _, dup := seenItems[it.ExternalID]; dup {
				continue
			}
			seenItems[it.ExternalID] = struct{}{}
			items = append(items, it)
		}
		next = p.next
	}

	c.logger.Debug("カタログの取得が完了しました",
		slog.String("source_id", source.ID),
		slog.Int("pages", pages),
		slog.Int("items", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return items, nil
}

// fetchPage は1ページを取得してデコードする。
func (c *Client) fetchPage(ctx context.Context, pageURL string, format model.CatalogFormat) (*page, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, model.NewInvalidResponseError(fmt.Sprintf("不正なページURL: %s", pageURL), err)
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, classifyTransportError(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, model.NewInvalidResponseError("リクエスト作成に失敗しました", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if format == model.CatalogFormatAtom {
		req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, model.NewServerError(resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewInvalidResponseError(
			fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, model.NewInvalidResponseError(
			fmt.Sprintf("レスポンスサイズが上限（%dバイト）を超えました", c.opts.MaxBodySize), nil)
	}

	var p *page
	switch format {
	case model.CatalogFormatAtom:
		p, err = decodeAtomPage(body, u, c.sanitize)
	default:
		p, err = decodeJSONPage(body, u, c.sanitize)
	}
	if err != nil {
		return nil, err
	}

	// Linkヘッダのrel="next"はボディ内の指示より優先する
	if link := parseNextLink(resp.Header.Values("Link")); link != "" {
		p.next = resolveURL(u, link)
	}

	return p, nil
}

// limiter はホスト単位のページ取得ペースを制御するリミッターを返す。
func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.opts.PageRate), 1)
		c.limiters[host] = l
	}
	return l
}

func (c *Client) sanitize(s string) string {
	s = strings.TrimSpace(s)
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.SanitizeText(s)
}

// classifyTransportError はトランスポート層のエラーを分類する。
// 期限超過はNetworkTimeout、それ以外の接続失敗はNetworkUnavailableとする。
func classifyTransportError(err error) *model.SyncError {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewNetworkTimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewNetworkTimeoutError(err)
	}
	return model.NewNetworkUnavailableError(err)
}

// parseNextLink はLinkヘッダ（RFC 8288）からrel="next"のURLを取り出す。
func parseNextLink(headers []string) string {
	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			segments := strings.Split(part, ";")
			if len(segments) < 2 {
				continue
			}
			target := strings.TrimSpace(segments[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range segments[1:] {
				key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
					if strings.EqualFold(rel, "next") {
						return strings.Trim(target, "<>")
					}
				}
			}
		}
	}
	return ""
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// withPageInfo はカーソルトークンを page_info クエリパラメータとして設定したURLを返す。
func withPageInfo(base *url.URL, cursor string) string {
	u := *base
	q := u.Query()
	q.Set("page_info", cursor)
	u.RawQuery = q.Encode()
	return u.String()
}
