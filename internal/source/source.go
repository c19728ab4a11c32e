// Package source は外部の画像ソースからアイテム候補を取得する仕組みを提供する。
// ソースは名前をキーに登録し、起動時に一度だけ解決する。
package source

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/waterfall/internal/model"
)

// Source は外部の画像ソース。
type Source interface {
	// Name はソースの登録名を返す。取り込み済み判定のsource_nameに使う。
	Name() string

	// Fetch は最大limit件のアイテム候補を取得する。limitが0以下の場合は上限なし。
	Fetch(ctx context.Context, limit int) ([]model.ImportedItem, error)
}

// Registry は名前をキーにしたソースの登録簿。生成後は変更しない。
type Registry struct {
	sources map[string]Source
	names   []string
}

// NewRegistry はソースを登録したRegistryを生成する。名前の重複はエラーとする。
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		name := s.Name()
		if name == "" {
			return nil, fmt.Errorf("ソース名が空です")
		}
		if _, dup := r.sources[name]; dup {
			return nil, fmt.Errorf("ソース名が重複しています: %s", name)
		}
		r.sources[name] = s
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get は指定名のソースを返す。
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Names は登録名を昇順で返す。
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len は登録数を返す。
func (r *Registry) Len() int {
	return len(r.names)
}

// Random は登録済みのソースから1つを無作為に選ぶ。空の場合はfalseを返す。
func (r *Registry) Random() (Source, bool) {
	if len(r.names) == 0 {
		return nil, false
	}
	return r.sources[r.names[rand.IntN(len(r.names))]], true
}

// Definition はSOURCES_FILEに記述するソース定義。
type Definition struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled"`
	// Limit は1回の取り込みで扱う最大件数（デフォルト: 50）。
	Limit int `yaml:"limit"`
}

// IsEnabled はソースが有効かどうかを返す。未指定は有効とみなす。
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

const (
	// TypeRSS はRSS/Atom/JSON Feedのソース。
	TypeRSS = "rss"

	defaultLimit = 50
)

type definitionsFile struct {
	Sources []Definition `yaml:"sources"`
}

// LoadDefinitions はYAMLファイルからソース定義を読み込む。
// pathが空の場合は定義なしとして扱う。
func LoadDefinitions(path string) ([]Definition, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ソース定義ファイルの読み込みに失敗: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions はYAMLのソース定義をパースし、デフォルト値を補って検証する。
func ParseDefinitions(data []byte) ([]Definition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ソース定義のパースに失敗: %w", err)
	}

	seen := map[string]bool{}
	defs := make([]Definition, 0, len(file.Sources))
	for i, d := range file.Sources {
		d.Name = strings.TrimSpace(d.Name)
		d.Type = strings.ToLower(strings.TrimSpace(d.Type))
		if d.Type == "" {
			d.Type = TypeRSS
		}
		if d.Limit <= 0 {
			d.Limit = defaultLimit
		}

		if d.Name == "" {
			return nil, fmt.Errorf("sources[%d]: nameは必須です", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("sources[%d]: nameが重複しています: %s", i, d.Name)
		}
		seen[d.Name] = true
		if d.Type != TypeRSS {
			return nil, fmt.Errorf("sources[%d]: 未対応のtypeです: %s", i, d.Type)
		}
		if d.URL == "" {
			return nil, fmt.Errorf("sources[%d]: urlは必須です", i)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// Build は有効な定義からソースを生成してRegistryにまとめる。
func Build(defs []Definition, guard URLGuard, opts Options) (*Registry, error) {
	var sources []Source
	for _, d := range defs {
		if !d.IsEnabled() {
			continue
		}
		switch d.Type {
		case TypeRSS:
			sources = append(sources, NewRSSSource(d.Name, d.URL, d.Limit, guard, opts))
		default:
			return nil, fmt.Errorf("未対応のtypeです: %s", d.Type)
		}
	}
	return NewRegistry(sources...)
}
