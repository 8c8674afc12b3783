package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// catalogFile はデータセット定義ファイルの構造です
type catalogFile struct {
	Datasets []domain.DatasetSource `yaml:"datasets"`
}

// LoadCatalog はYAMLファイルからデータセット定義を読み込みます
func LoadCatalog(path string) ([]domain.DatasetSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset catalog: %w", err)
	}
	sources, err := ParseCatalog(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sources, nil
}

// ParseCatalog はデータセット定義を解析・検証します
// 未知のキーと重複IDはエラーとします
func ParseCatalog(r io.Reader) ([]domain.DatasetSource, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("dataset catalog is empty")
		}
		return nil, fmt.Errorf("failed to parse dataset catalog: %w", err)
	}
	if len(file.Datasets) == 0 {
		return nil, fmt.Errorf("dataset catalog has no datasets")
	}

	seen := make(map[string]struct{}, len(file.Datasets))
	for i := range file.Datasets {
		src := &file.Datasets[i]
		if src.Category == "" {
			src.Category = src.ID
		}
		if src.Freshness == "" {
			src.Freshness = defaultFreshness(src.Protocol)
		}
		if err := src.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("duplicate dataset id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return file.Datasets, nil
}

func defaultFreshness(p domain.Protocol) domain.FreshnessStrategy {
	if p == domain.ProtocolAPIMetadata {
		return domain.FreshnessServerTimestamp
	}
	return domain.FreshnessFilenameDate
}
