package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // DecodeConfigでGIFを判別する
	_ "image/jpeg" // DecodeConfigでJPEGを判別する
	_ "image/png"  // DecodeConfigでPNGを判別する
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/hitoshi/waterfall/internal/model"
)

// URLGuard は外部URLの検証インターフェース。security.Guardが実装する。
type URLGuard interface {
	ValidateSourceURL(rawURL string) error
	ValidateImageURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Options はHTTP取得の設定。
type Options struct {
	// Timeout は1リクエストのタイムアウト（デフォルト: 10秒）。
	Timeout time.Duration
	// MaxBodyBytes はフィード本文の最大サイズ（デフォルト: 5MiB）。
	MaxBodyBytes int64
	// ProbeBytes は画像サイズ判定のために読む最大バイト数（デフォルト: 1MiB）。
	ProbeBytes int64
	// UserAgent はリクエストに付けるUser-Agent。
	UserAgent string
	// Limiter はリクエストごとに待つレートリミッタ。nilの場合は制限しない。
	Limiter *rate.Limiter
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 5 << 20
	}
	if o.ProbeBytes <= 0 {
		o.ProbeBytes = 1 << 20
	}
	if o.UserAgent == "" {
		o.UserAgent = "Waterfall/1.0 Image Importer"
	}
	return o
}

// StatusError は取得先が200以外を返したことを示す。
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPステータス %d: %s", e.Code, e.URL)
}

// Retryable は時間をおけば成功しうるステータス（429/5xx）かどうかを返す。
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// RSSSource はRSS/Atom/JSON Feedのエントリから画像付きのアイテム候補を作るソース。
type RSSSource struct {
	name   string
	url    string
	limit  int
	guard  URLGuard
	client *http.Client
	opts   Options
}

// NewRSSSource はRSSSourceを生成する。HTTPクライアントはguardから一度だけ作る。
func NewRSSSource(name, feedURL string, limit int, guard URLGuard, opts Options) *RSSSource {
	opts = opts.withDefaults()
	if limit <= 0 {
		limit = defaultLimit
	}
	return &RSSSource{
		name:   name,
		url:    feedURL,
		limit:  limit,
		guard:  guard,
		client: guard.NewSafeClient(opts.Timeout),
		opts:   opts,
	}
}

// Name はソースの登録名を返す。
func (s *RSSSource) Name() string {
	return s.name
}

// Fetch はフィードを取得し、画像を特定できたエントリをアイテム候補に変換する。
// 画像がない、または画像URLが不正なエントリは含めない。
func (s *RSSSource) Fetch(ctx context.Context, limit int) ([]model.ImportedItem, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	if err := s.guard.ValidateSourceURL(s.url); err != nil {
		return nil, fmt.Errorf("取り込み元URLの検証に失敗: %w", err)
	}

	body, err := s.get(ctx, s.url, s.opts.MaxBodyBytes,
		"application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, */*")
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	base, _ := url.Parse(s.url)
	items := make([]model.ImportedItem, 0, limit)
	for _, entry := range feed.Items {
		if len(items) >= limit {
			break
		}
		if ctx.Err() != nil {
			return items, ctx.Err()
		}
		if item, ok := s.convert(ctx, entry, base); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// convert はエントリをアイテム候補に変換する。サイズ不明の画像は先頭を読んで判定する。
func (s *RSSSource) convert(ctx context.Context, entry *gofeed.Item, base *url.URL) (model.ImportedItem, bool) {
	if entry == nil {
		return model.ImportedItem{}, false
	}
	ref := strings.TrimSpace(entry.GUID)
	if ref == "" {
		ref = strings.TrimSpace(entry.Link)
	}
	if ref == "" {
		return model.ImportedItem{}, false
	}

	img, ok := findImage(entry)
	if !ok {
		return model.ImportedItem{}, false
	}
	if entry.Link != "" {
		if linkURL, err := url.Parse(entry.Link); err == nil && base != nil {
			base = base.ResolveReference(linkURL)
		}
	}
	img.URL = resolve(base, img.URL)
	if err := s.guard.ValidateImageURL(img.URL); err != nil {
		return model.ImportedItem{}, false
	}

	if img.Width <= 0 || img.Height <= 0 {
		w, h, format, err := s.probe(ctx, img.URL)
		if err != nil {
			return model.ImportedItem{}, false
		}
		img.Width, img.Height = w, h
		if format != "" {
			img.Format = format
		}
	}

	description := entry.Description
	if description == "" {
		description = entry.Content
	}
	return model.ImportedItem{
		SourceName:  s.name,
		SourceRef:   ref,
		Title:       entry.Title,
		Description: description,
		ImageURL:    img.URL,
		Format:      img.Format,
		Width:       img.Width,
		Height:      img.Height,
	}, true
}

// get はURLを取得し、最大maxBytesまで本文を読む。
func (s *RSSSource) get(ctx context.Context, rawURL string, maxBytes int64, accept string) ([]byte, error) {
	if s.opts.Limiter != nil {
		if err := s.opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", accept)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	return body, nil
}

// probe は画像の先頭だけを読んで幅・高さ・形式を判定する。
func (s *RSSSource) probe(ctx context.Context, imageURL string) (int, int, string, error) {
	body, err := s.get(ctx, imageURL, s.opts.ProbeBytes, "image/*")
	if err != nil {
		return 0, 0, "", err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return 0, 0, "", fmt.Errorf("画像サイズの判定に失敗: %w", err)
	}
	return cfg.Width, cfg.Height, format, nil
}

// imageRef はエントリから見つけた画像。
type imageRef struct {
	URL    string
	Width  int
	Height int
	Format string
}

// findImage はエントリの画像を探す。
// 優先順位: media:content > enclosure > media:thumbnail > フィードの画像 > 本文の最初の<img>
// media:contentはサイズを持つことが多いため先に見る。
func findImage(entry *gofeed.Item) (imageRef, bool) {
	if ref, ok := mediaImage(entry.Extensions, "content"); ok {
		return ref, true
	}

	for _, enc := range entry.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if format := formatOf(enc.Type, enc.URL); format != "" {
			return imageRef{URL: enc.URL, Format: format}, true
		}
	}

	if ref, ok := mediaImage(entry.Extensions, "thumbnail"); ok {
		return ref, true
	}

	if entry.Image != nil && entry.Image.URL != "" {
		return imageRef{URL: entry.Image.URL, Format: formatOf("", entry.Image.URL)}, true
	}

	for _, body := range []string{entry.Content, entry.Description} {
		if ref, ok := firstImg(body); ok {
			return ref, true
		}
	}
	return imageRef{}, false
}

// mediaImage はMedia RSS拡張（media:content / media:thumbnail）から画像を取り出す。
func mediaImage(exts ext.Extensions, element string) (imageRef, bool) {
	media, ok := exts["media"]
	if !ok {
		return imageRef{}, false
	}
	candidates := append([]ext.Extension(nil), media[element]...)
	// media:group内の要素も対象にする
	for _, group := range media["group"] {
		candidates = append(candidates, group.Children[element]...)
	}

	for _, e := range candidates {
		u := e.Attrs["url"]
		if u == "" {
			continue
		}
		medium := e.Attrs["medium"]
		format := formatOf(e.Attrs["type"], u)
		if element == "content" && medium != "image" && format == "" {
			continue
		}
		return imageRef{
			URL:    u,
			Width:  atoi(e.Attrs["width"]),
			Height: atoi(e.Attrs["height"]),
			Format: format,
		}, true
	}
	return imageRef{}, false
}

// firstImg はHTML断片の最初の<img>要素を返す。
func firstImg(fragment string) (imageRef, bool) {
	if !strings.Contains(fragment, "<img") && !strings.Contains(fragment, "<IMG") {
		return imageRef{}, false
	}

	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return imageRef{}, false

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			if string(tn) != "img" || !hasAttr {
				continue
			}

			var ref imageRef
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "src":
					ref.URL = strings.TrimSpace(string(val))
				case "width":
					ref.Width = atoi(string(val))
				case "height":
					ref.Height = atoi(string(val))
				}
				if !more {
					break
				}
			}
			if ref.URL == "" || strings.HasPrefix(ref.URL, "data:") {
				continue
			}
			ref.Format = formatOf("", ref.URL)
			return ref, true
		}
	}
}

// formatOf はMIMEタイプまたは拡張子から画像形式を返す。画像でなければ空文字列を返す。
func formatOf(contentType, rawURL string) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mt, "image/") {
			switch sub := strings.TrimPrefix(mt, "image/"); sub {
			case "jpg", "pjpeg":
				return "jpeg"
			default:
				return sub
			}
		}
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".png":
		return "png"
	case ".gif":
		return "gif"
	case ".webp":
		return "webp"
	}
	return ""
}

// resolve は相対URLをbase基準の絶対URLにする。
func resolve(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
