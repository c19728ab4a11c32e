// Package security は外部URLの検証と、取り込んだテキストの無害化を提供する。
package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLGuard は外部URLへのアクセスを検証する。
// 取り込み元のフィードURLと、アイテムの画像URLの両方に使う。
type URLGuard interface {
	// NewSafeClient はプライベートアドレスへの接続をダイヤル時に拒否するHTTPクライアントを返す。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateSourceURL は取り込み元URLを静的に検証する。httpとhttpsを許可する。
	ValidateSourceURL(rawURL string) error

	// ValidateImageURL は画像URLを静的に検証する。httpsのみ許可する。
	ValidateImageURL(rawURL string) error
}

// blockedPrefixes は内部ネットワークとみなすアドレス範囲。
// クラウドのメタデータアドレス169.254.169.254はリンクローカルに含まれる。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Guard はURLGuardの実装。
type Guard struct{}

// NewGuard はGuardを生成する。
func NewGuard() *Guard {
	return &Guard{}
}

// NewSafeClient はsafeurlでラップしたクライアントを返す。
// DNS解決後のアドレスをDialerで検証するため、DNSリバインディングも防げる。
func (g *Guard) NewSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateSourceURL は取り込み元URLを検証する。
func (g *Guard) ValidateSourceURL(rawURL string) error {
	return validate(rawURL, "http", "https")
}

// ValidateImageURL は画像URLを検証する。
func (g *Guard) ValidateImageURL(rawURL string) error {
	return validate(rawURL, "https")
}

// validate はスキームとホストを静的に検証する。名前解決は行わない。
func validate(rawURL string, schemes ...string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの形式が不正です: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range schemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("許可されていないスキームです: %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("ホストがありません: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("内部ホストは指定できません: %s", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return fmt.Errorf("内部アドレスは指定できません: %s", addr)
			}
		}
	}
	return nil
}
