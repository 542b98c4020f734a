package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/catalogwatch/internal/catalog"
	"github.com/hitoshi/catalogwatch/internal/model"
	"github.com/hitoshi/catalogwatch/internal/repository"
)

// --- モック定義 ---

// mockSourceRepo はSourceRepositoryのテスト用モック。
type mockSourceRepo struct {
	sources   map[string]*model.Source
	created   []*model.Source
	deleted   []string
	createErr error
}

func newMockSourceRepo() *mockSourceRepo {
	return &mockSourceRepo{sources: make(map[string]*model.Source)}
}

func (m *mockSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	return m.sources[id], nil
}

func (m *mockSourceRepo) FindByCatalogURL(ctx context.Context, catalogURL string) (*model.Source, error) {
	for _, s := range m.sources {
		if s.CatalogURL == catalogURL {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSourceRepo) Create(ctx context.Context, source *model.Source) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.sources[source.ID] = source
	m.created = append(m.created, source)
	return nil
}

func (m *mockSourceRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, ok := m.sources[id]; !ok {
		return false, nil
	}
	delete(m.sources, id)
	m.deleted = append(m.deleted, id)
	return true, nil
}

func (m *mockSourceRepo) List(ctx context.Context) ([]*model.Source, error) {
	out := make([]*model.Source, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockSourceRepo) ListSummaries(ctx context.Context) ([]model.SourceSummary, error) {
	out := make([]model.SourceSummary, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, model.SourceSummary{Source: *s})
	}
	return out, nil
}

func (m *mockSourceRepo) SetSyncing(ctx context.Context, id string, syncing bool) error {
	return nil
}

func (m *mockSourceRepo) RecordSourceError(ctx context.Context, id string, kind model.SyncErrorKind, message string, at time.Time) error {
	return nil
}

func (m *mockSourceRepo) ClearSourceError(ctx context.Context, id string) error {
	return nil
}

// mockCatalogRepo はCatalogRepositoryのテスト用モック。
type mockCatalogRepo struct {
	items          []model.Item
	includeRemoved bool
}

func (m *mockCatalogRepo) LoadCatalog(ctx context.Context, sourceID string) ([]model.Item, error) {
	return m.items, nil
}

func (m *mockCatalogRepo) ListItems(ctx context.Context, sourceID string, includeRemoved bool) ([]model.Item, error) {
	m.includeRemoved = includeRemoved
	return m.items, nil
}

func (m *mockCatalogRepo) ApplySync(ctx context.Context, batch repository.SyncBatch) (repository.SyncStats, error) {
	return repository.SyncStats{}, nil
}

// mockDetector はDetectorのテスト用モック。
type mockDetector struct {
	endpoints map[string]*catalog.Endpoint
	err       error
}

func (m *mockDetector) Detect(ctx context.Context, address string) (*catalog.Endpoint, error) {
	if m.err != nil {
		return nil, m.err
	}
	if ep, ok := m.endpoints[address]; ok {
		return ep, nil
	}
	return nil, model.NewCatalogNotDetectedError(address)
}

// countingSerializer は呼び出し元でそのまま実行し、回数を数える。
type countingSerializer struct {
	calls int
}

func (s *countingSerializer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	s.calls++
	return fn(ctx)
}

// stripSanitizer は<b>タグだけを除去するテスト用サニタイザ。
type stripSanitizer struct{}

func (stripSanitizer) SanitizeText(s string) string {
	return strings.ReplaceAll(s, "<b>", "")
}

func newTestService() (*Service, *mockSourceRepo, *mockCatalogRepo, *countingSerializer) {
	repo := newMockSourceRepo()
	cat := &mockCatalogRepo{}
	writer := &countingSerializer{}
	detector := &mockDetector{endpoints: map[string]*catalog.Endpoint{
		"https://shop.example.com":               {URL: "https://shop.example.com/products.json", Format: model.CatalogFormatJSON, Title: "Example <b>Shop"},
		"https://atom.example.com/products.atom": {URL: "https://atom.example.com/products.atom", Format: model.CatalogFormatAtom},
	}}
	return NewService(repo, cat, detector, writer, stripSanitizer{}), repo, cat, writer
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIErrorが返されるべき: %v", err)
	}
	if apiErr.Code != code {
		t.Errorf("Code = %s, want %s", apiErr.Code, code)
	}
}

// --- 登録のテスト ---

func TestService_Register_UsesDetectedEndpoint(t *testing.T) {
	svc, repo, _, writer := newTestService()

	src, err := svc.Register(context.Background(), "", "https://shop.example.com")
	if err != nil {
		t.Fatalf("Register がエラーを返しました: %v", err)
	}
	if src.CatalogURL != "https://shop.example.com/products.json" || src.Format != model.CatalogFormatJSON {
		t.Errorf("検出結果が反映されていない: %+v", src)
	}
	if src.Name != "Example Shop" {
		t.Errorf("Name = %q, want %q（ページタイトルを無害化して使用）", src.Name, "Example Shop")
	}
	if src.ID == "" || src.LastPolledAt != nil {
		t.Errorf("新規ソースの初期状態が不正: %+v", src)
	}
	if len(repo.created) != 1 {
		t.Errorf("作成件数 = %d, want 1", len(repo.created))
	}
	if writer.calls != 1 {
		t.Errorf("書き込みジョブ数 = %d, want 1", writer.calls)
	}
}

func TestService_Register_NameFallsBackToHost(t *testing.T) {
	svc, _, _, _ := newTestService()

	src, err := svc.Register(context.Background(), "  ", "https://atom.example.com/products.atom")
	if err != nil {
		t.Fatalf("Register がエラーを返しました: %v", err)
	}
	if src.Name != "atom.example.com" {
		t.Errorf("Name = %q, want atom.example.com", src.Name)
	}
	if src.Format != model.CatalogFormatAtom {
		t.Errorf("Format = %s, want atom", src.Format)
	}
}

func TestService_Register_Duplicate(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Shop", "https://shop.example.com"); err != nil {
		t.Fatalf("1回目の Register がエラーを返しました: %v", err)
	}
	_, err := svc.Register(ctx, "Shop again", "https://shop.example.com")
	assertAPIErrorCode(t, err, model.ErrCodeDuplicateSource)
	if len(repo.created) != 1 {
		t.Errorf("重複登録で作成件数が増えた: %d", len(repo.created))
	}
}

func TestService_Register_DetectionError(t *testing.T) {
	svc, repo, _, writer := newTestService()

	_, err := svc.Register(context.Background(), "", "https://unknown.example.com")
	assertAPIErrorCode(t, err, model.ErrCodeCatalogNotDetected)
	if len(repo.created) != 0 || writer.calls != 0 {
		t.Error("検出失敗時に保存が行われた")
	}
}

func TestService_Register_CreateError(t *testing.T) {
	svc, repo, _, _ := newTestService()
	repo.createErr = errors.New("connection reset")

	if _, err := svc.Register(context.Background(), "", "https://shop.example.com"); err == nil {
		t.Error("保存失敗はエラーとして返すべき")
	}
}

// --- 取得・削除のテスト ---

func TestService_Get_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Get(context.Background(), "missing")
	assertAPIErrorCode(t, err, model.ErrCodeSourceNotFound)
}

func TestService_Delete(t *testing.T) {
	svc, repo, _, writer := newTestService()
	ctx := context.Background()
	src, err := svc.Register(ctx, "Shop", "https://shop.example.com")
	if err != nil {
		t.Fatalf("Register がエラーを返しました: %v", err)
	}

	if err := svc.Delete(ctx, src.ID); err != nil {
		t.Fatalf("Delete がエラーを返しました: %v", err)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != src.ID {
		t.Errorf("削除されたID = %v", repo.deleted)
	}
	if writer.calls != 2 {
		t.Errorf("書き込みジョブ数 = %d, want 2", writer.calls)
	}

	assertAPIErrorCode(t, svc.Delete(ctx, src.ID), model.ErrCodeSourceNotFound)
}

func TestService_Items(t *testing.T) {
	svc, repo, cat, _ := newTestService()
	repo.sources["src-1"] = &model.Source{ID: "src-1"}
	cat.items = []model.Item{{ID: "item-1", ExternalID: "p1"}}

	items, err := svc.Items(context.Background(), "src-1", true)
	if err != nil {
		t.Fatalf("Items がエラーを返しました: %v", err)
	}
	if len(items) != 1 || !cat.includeRemoved {
		t.Errorf("items = %v, includeRemoved = %v", items, cat.includeRemoved)
	}

	_, err = svc.Items(context.Background(), "missing", false)
	assertAPIErrorCode(t, err, model.ErrCodeSourceNotFound)
}

// --- シード投入のテスト ---

func TestParseSeed(t *testing.T) {
	data := []byte(`
sources:
  - name: Example Shop
    address: " https://shop.example.com "
  - address: https://atom.example.com/products.atom
`)
	f, err := ParseSeed(data)
	if err != nil {
		t.Fatalf("ParseSeed がエラーを返しました: %v", err)
	}
	if len(f.Sources) != 2 {
		t.Fatalf("ソース数 = %d, want 2", len(f.Sources))
	}
	if f.Sources[0].Name != "Example Shop" || f.Sources[0].Address != "https://shop.example.com" {
		t.Errorf("sources[0] = %+v", f.Sources[0])
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"addressなし", "sources:\n  - name: Shop\n"},
		{"address重複", "sources:\n  - address: https://a.example.com\n  - address: https://a.example.com\n"},
		{"YAML構文エラー", "sources: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(tt.data)); err == nil {
				t.Error("エラーが返されるべき")
			}
		})
	}
}

func TestLoadSeedFile_Missing(t *testing.T) {
	f, err := LoadSeedFile(t.TempDir() + "/sources.yaml")
	if err != nil {
		t.Fatalf("存在しないファイルはエラーにしない: %v", err)
	}
	if len(f.Sources) != 0 {
		t.Errorf("ソース数 = %d, want 0", len(f.Sources))
	}
}

func TestService_Seed(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, "Shop", "https://shop.example.com"); err != nil {
		t.Fatalf("Register がエラーを返しました: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	res := svc.Seed(ctx, &SeedFile{Sources: []SeedEntry{
		{Name: "Shop", Address: "https://shop.example.com"},
		{Address: "https://atom.example.com/products.atom"},
		{Address: "https://unknown.example.com"},
	}}, logger)

	if res.Created != 1 || res.Skipped != 1 || res.Failed != 1 {
		t.Errorf("SeedResult = %+v, want created 1 / skipped 1 / failed 1", res)
	}
	if len(repo.created) != 2 {
		t.Errorf("作成件数 = %d, want 2", len(repo.created))
	}
	if !strings.Contains(buf.String(), "unknown.example.com") {
		t.Error("登録失敗がログに出力されていない")
	}
}
