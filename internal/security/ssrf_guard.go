package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLValidator は外部URLの静的な安全性検証のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// blockedNetworks は静的検証で拒否するネットワーク範囲。
// 実際の接続時はsafeurlがDNS解決後のIPアドレスを検証する。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

// blockedHostSuffixes は名前解決前に拒否するホスト名（完全一致または接尾辞一致）。
var blockedHostSuffixes = []string{
	"localhost",
	".local",
	".internal",
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// SSRFGuard はアバター画像など利用者が指定した外部URLへのアクセスを制限する。
type SSRFGuard struct {
	schemes []string
	ports   []int
}

// NewSSRFGuard はSSRFGuardを生成する。schemesが空の場合はhttpsのみ許可する。
func NewSSRFGuard(schemes ...string) *SSRFGuard {
	if len(schemes) == 0 {
		schemes = []string{"https"}
	}
	ports := make([]int, 0, 2)
	for _, s := range schemes {
		switch strings.ToLower(s) {
		case "http":
			ports = append(ports, 80)
		case "https":
			ports = append(ports, 443)
		}
	}
	return &SSRFGuard{schemes: schemes, ports: ports}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// 接続時にDNS解決後のIPアドレスを検証するため、DNS再バインディングも防げる。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes...).
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !g.allowsScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, g.schemes)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, n := range blockedNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip)
			}
		}
		return nil
	}

	for _, suffix := range blockedHostSuffixes {
		if host == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(host, suffix) {
			return fmt.Errorf("blocked host: %s", host)
		}
	}
	return nil
}

func (g *SSRFGuard) allowsScheme(scheme string) bool {
	for _, s := range g.schemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

var _ URLValidator = (*SSRFGuard)(nil)
