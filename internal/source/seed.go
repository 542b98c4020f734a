package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// SeedFile はソース定義ファイル（YAML）の内容。
//
//	sources:
//	  - name: Example Shop
//	    address: https://shop.example.com
type SeedFile struct {
	Sources []SeedEntry `yaml:"sources"`
}

// SeedEntry は定義ファイル内の1ソース。
type SeedEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// SeedResult はシード投入の結果。
type SeedResult struct {
	Created int
	Skipped int
	Failed  int
}

// LoadSeedFile はソース定義ファイルを読み込み検証する。
// ファイルが存在しない場合は空の定義を返す。
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &SeedFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソース定義ファイルの読み込みに失敗: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed はYAMLのソース定義を解析し検証する。
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ソース定義ファイルの解析に失敗: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Sources))
	for i, e := range f.Sources {
		addr := strings.TrimSpace(e.Address)
		if addr == "" {
			return nil, fmt.Errorf("sources[%d]: address は必須です", i)
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("sources[%d]: address が重複しています: %s", i, addr)
		}
		seen[addr] = struct{}{}
		f.Sources[i].Address = addr
	}
	return &f, nil
}

// Seed は定義ファイルのソースを登録する。
// 登録済みのソースはスキップし、1件の失敗で他の登録を止めない。
func (s *Service) Seed(ctx context.Context, f *SeedFile, logger *slog.Logger) SeedResult {
	var res SeedResult
	for _, e := range f.Sources {
		if ctx.Err() != nil {
			break
		}
		src, err := s.Register(ctx, e.Name, e.Address)
		if err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeDuplicateSource {
				res.Skipped++
				continue
			}
			res.Failed++
			logger.Warn("ソース定義の登録に失敗しました",
				slog.String("address", e.Address),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Created++
		logger.Info("ソース定義からソースを登録しました",
			slog.String("source_id", src.ID),
			slog.String("name", src.Name),
			slog.String("catalog_url", src.CatalogURL),
		)
	}
	return res
}
