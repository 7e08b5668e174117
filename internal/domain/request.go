package domain

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Destination はリクエストの用途(Sec-Fetch-Dest 相当)を表す.
type Destination string

const (
	DestinationEmpty    Destination = "empty"
	DestinationDocument Destination = "document"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationWorker   Destination = "worker"
	DestinationImage    Destination = "image"
	DestinationManifest Destination = "manifest"
	DestinationFont     Destination = "font"
)

var extensionDestinations = map[string]Destination{
	".html":        DestinationDocument,
	".htm":         DestinationDocument,
	".js":          DestinationScript,
	".mjs":         DestinationScript,
	".css":         DestinationStyle,
	".png":         DestinationImage,
	".jpg":         DestinationImage,
	".jpeg":        DestinationImage,
	".gif":         DestinationImage,
	".webp":        DestinationImage,
	".avif":        DestinationImage,
	".svg":         DestinationImage,
	".ico":         DestinationImage,
	".webmanifest": DestinationManifest,
	".woff":        DestinationFont,
	".woff2":       DestinationFont,
}

// Request はゲートウェイが横取りしたリクエストを表す.
type Request struct {
	ID        string
	Method    string
	URL       *url.URL
	Headers   http.Header
	Body      []byte
	CreatedAt time.Time
}

// NewRequest は新しいRequestインスタンスを作成.
func NewRequest(method, rawURL string, headers http.Header, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if headers == nil {
		headers = make(http.Header)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:    strings.ToUpper(method),
		URL:       u,
		Headers:   headers,
		Body:      body,
		CreatedAt: time.Now(),
	}, nil
}

// Key はキャッシュキー(メソッド + URL、クエリ込み)を返す.
func (r *Request) Key() string {
	return r.Method + " " + r.URL.String()
}

// SameOrigin はリクエストが指定オリジンと同一かを判定.
func (r *Request) SameOrigin(origin *url.URL) bool {
	if origin == nil {
		return false
	}
	return strings.EqualFold(r.URL.Scheme, origin.Scheme) &&
		strings.EqualFold(r.URL.Host, origin.Host)
}

// Destination はリクエストの用途を判定する.
// Sec-Fetch-Dest ヘッダーを優先し、無ければ拡張子と Accept から推定.
func (r *Request) Destination() Destination {
	if dest := r.Headers.Get("Sec-Fetch-Dest"); dest != "" {
		switch d := Destination(strings.ToLower(dest)); d {
		case "sharedworker", "serviceworker":
			return DestinationWorker
		default:
			return d
		}
	}

	p := r.URL.Path
	if p == "" || strings.HasSuffix(p, "/") {
		return DestinationDocument
	}
	if dest, ok := extensionDestinations[strings.ToLower(path.Ext(p))]; ok {
		return dest
	}

	accept := r.Headers.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return DestinationDocument
	case strings.HasPrefix(accept, "image/"):
		return DestinationImage
	}
	return DestinationEmpty
}

// Clone はリクエストのディープコピーを返す.
func (r *Request) Clone() *Request {
	u := *r.URL
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Request{
		ID:        r.ID,
		Method:    r.Method,
		URL:       &u,
		Headers:   r.Headers.Clone(),
		Body:      body,
		CreatedAt: r.CreatedAt,
	}
}

// Response はゲートウェイが返すレスポンスを表す.
type Response struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	IsFromCache bool
	CreatedAt   time.Time
}

// OK はステータスが 2xx かを返す.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher はネットワークへの実際の送信を担当.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}
