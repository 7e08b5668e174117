package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"gateway/internal/domain"
)

// DefaultGeneration はマニフェストが無い場合の世代タグ.
const DefaultGeneration = "divine-v20-final"

type manifestFile struct {
	Generation  string   `yaml:"generation"`
	DataVersion string   `yaml:"data_version,omitempty"`
	Assets      []string `yaml:"assets"`
}

func defaultManifestFile() *manifestFile {
	return &manifestFile{
		Generation:  DefaultGeneration,
		DataVersion: "20",
		Assets: []string{
			"/",
			"/index.html",
			"/style.css",
			"/script.js",
			"/manifest.json",
			"/favicon.ico",
			"/profile.jpg",
			"/icon-192.png",
			"/icon-512.png",
			"/data/translations.json",
			"/data/experience.json",
			"/data/education.json",
			"/data/locations.json",
			"/data/repos.json",
		},
	}
}

func loadManifestFile(path string) (*manifestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultManifest(path)
		}
		return nil, err
	}

	var m manifestFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &m, nil
}

func createDefaultManifest(path string) (*manifestFile, error) {
	m := defaultManifestFile()

	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	return m, nil
}

// prepare はマニフェストを正規化し、データファイルにバージョンクエリを付与する
func (m *manifestFile) prepare() (*domain.Manifest, error) {
	generation := strings.TrimSpace(m.Generation)
	if generation == "" {
		return nil, fmt.Errorf("manifest has no generation tag")
	}

	assets := make([]string, 0, len(m.Assets))
	seen := make(map[string]bool)
	for _, asset := range m.Assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			continue
		}
		if !strings.HasPrefix(asset, "/") {
			return nil, fmt.Errorf("asset %q is not an absolute path", asset)
		}
		if m.DataVersion != "" && isDataFile(asset) && !strings.Contains(asset, "v=") {
			sep := "?"
			if strings.Contains(asset, "?") {
				sep = "&"
			}
			asset += sep + "v=" + m.DataVersion
		}
		if seen[asset] {
			continue
		}
		seen[asset] = true
		assets = append(assets, asset)
	}

	return &domain.Manifest{
		Generation: generation,
		Assets:     assets,
	}, nil
}

func isDataFile(asset string) bool {
	p := asset
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return strings.HasSuffix(p, ".json") && strings.HasPrefix(p, "/data/")
}
