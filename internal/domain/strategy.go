package domain

// Strategy はキャッシュ戦略を表す.
type Strategy int

const (
	NetworkOnly Strategy = iota
	StaleWhileRevalidate
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkOnly:
		return "network-only"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case CacheFirst:
		return "cache-first"
	default:
		return "unknown"
	}
}

// CacheKind はルールが使用するストアの種類.
type CacheKind int

const (
	NoCache CacheKind = iota
	AssetCache
	ImageCache
)

// CacheName は世代に対応するストア名を返す.
func (k CacheKind) CacheName(g Generation) string {
	switch k {
	case AssetCache:
		return g.AssetCache()
	case ImageCache:
		return g.ImageCache()
	default:
		return ""
	}
}

// RoutingRule はリクエストの述語と戦略の組.
type RoutingRule struct {
	Name     string
	Match    func(*Request) bool
	Strategy Strategy
	Cache    CacheKind
	Retry    bool
}
