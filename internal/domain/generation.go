package domain

// Generation はキャッシュ世代を表す.
// 1つの世代はアセット用と画像用の2つのストアを所有する.
type Generation struct {
	Tag string
}

const imageCacheSuffix = "-images"

// AssetCache はドキュメント/スクリプト/スタイル/データ用ストア名.
func (g Generation) AssetCache() string {
	return g.Tag
}

// ImageCache は画像用ストア名.
func (g Generation) ImageCache() string {
	return g.Tag + imageCacheSuffix
}

// CacheNames は世代が所有する全ストア名.
func (g Generation) CacheNames() []string {
	return []string{g.AssetCache(), g.ImageCache()}
}

// Owns はストア名がこの世代に属するかを返す.
func (g Generation) Owns(name string) bool {
	return name == g.AssetCache() || name == g.ImageCache()
}

// IsZero は世代が未設定かを返す.
func (g Generation) IsZero() bool {
	return g.Tag == ""
}

// Manifest はインストール時に取得するアセット一覧.
type Manifest struct {
	Generation string
	Assets     []string
}
