package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// Endpoint は検出されたカタログエンドポイントを表す。
type Endpoint struct {
	URL    string
	Format model.CatalogFormat
	Title  string // ストアページの<title>。検出できない場合は空
}

// Detector はユーザーが入力したストアアドレスからカタログエンドポイントを検出する。
type Detector struct {
	ssrfGuard SSRFValidator
	timeout   time.Duration
	maxBody   int64
}

// NewDetector はDetectorの新しいインスタンスを生成する。
func NewDetector(ssrfGuard SSRFValidator) *Detector {
	return &Detector{
		ssrfGuard: ssrfGuard,
		timeout:   10 * time.Second,
		maxBody:   5 * 1024 * 1024,
	}
}

// FormatFromURL はURLのパスからカタログ形式を判定する。
// .json / .atom で終わらない場合はfalseを返す。
func FormatFromURL(rawURL string) (model.CatalogFormat, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, ".json"):
		return model.CatalogFormatJSON, true
	case strings.HasSuffix(path, ".atom"):
		return model.CatalogFormatAtom, true
	default:
		return "", false
	}
}

// formatFromContentType はContent-Typeからカタログ形式を判定する。
func formatFromContentType(contentType string) (model.CatalogFormat, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	switch strings.ToLower(mediaType) {
	case "application/json":
		return model.CatalogFormatJSON, true
	case "application/atom+xml":
		return model.CatalogFormatAtom, true
	default:
		return "", false
	}
}

// ParseCatalogLinks はHTMLのheadタグから<title>とカタログ候補リンクを解析する。
// 相対URLはbaseURLを基準に絶対URLに解決される。候補はJSONを先頭に並べて返す。
func (d *Detector) ParseCatalogLinks(htmlBody []byte, baseURL string) (string, []Endpoint) {
	var jsonCandidates, atomCandidates []Endpoint
	var title string

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return "", nil
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead, inTitle := false, false

	collect := func() (string, []Endpoint) {
		return strings.TrimSpace(title), append(jsonCandidates, atomCandidates...)
	}

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return collect()

		case html.TextToken:
			if inTitle {
				title += string(tokenizer.Text())
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			switch tagName {
			case "head":
				inHead = true
				continue
			case "body":
				return collect()
			case "title":
				inTitle = inHead && tt == html.StartTagToken
				continue
			}

			if !inHead || tagName != "link" || !hasAttr {
				continue
			}

			var rel, linkType, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = string(val)
				}
				if !more {
					break
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}

			resolved := resolveURL(baseU, href)
			if resolved == "" {
				continue
			}
			switch linkType {
			case "application/json":
				jsonCandidates = append(jsonCandidates, Endpoint{URL: resolved, Format: model.CatalogFormatJSON})
			case "application/atom+xml":
				atomCandidates = append(atomCandidates, Endpoint{URL: resolved, Format: model.CatalogFormatAtom})
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "title":
				inTitle = false
			case "head":
				return collect()
			}
		}
	}
}

// Detect はストアアドレスをカタログエンドポイントに解決する。
// 1. .json / .atom のURLはそのまま使用する
// 2. SSRF検証後にアドレスを取得し、カタログ応答であればそのURLを使用する
// 3. HTMLの場合はheadのalternateリンクから候補を選ぶ（JSON優先）
// 4. 候補がない場合は <origin>/products.json にフォールバックする
func (d *Detector) Detect(ctx context.Context, address string) (*Endpoint, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, model.NewInvalidURLError(address)
	}

	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(address); err != nil {
			return nil, model.NewSSRFBlockedError()
		}
	}

	if format, ok := FormatFromURL(address); ok {
		return &Endpoint{URL: address, Format: format}, nil
	}

	client := d.getHTTPClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, application/json, application/atom+xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	if format, ok := formatFromContentType(contentType); ok {
		return &Endpoint{URL: address, Format: format}, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		return nil, model.NewCatalogNotDetectedError(address)
	}

	title, candidates := d.ParseCatalogLinks(body, address)
	if len(candidates) > 0 {
		best := candidates[0]
		best.Title = title
		return &best, nil
	}

	fallback := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/products.json"}
	return &Endpoint{URL: fallback.String(), Format: model.CatalogFormatJSON, Title: title}, nil
}

// getHTTPClient はHTTPクライアントを取得する。
// SSRFGuardが設定されている場合はSSRF防止付きクライアントを返す。
func (d *Detector) getHTTPClient() *http.Client {
	if d.ssrfGuard != nil {
		return d.ssrfGuard.NewSafeClient(d.timeout, d.maxBody)
	}
	return &http.Client{Timeout: d.timeout}
}
