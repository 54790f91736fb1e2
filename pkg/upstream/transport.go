package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

// Transport performs one HTTP round trip for the client. Direct, HTTP proxy
// and SOCKS proxy transports are interchangeable.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

type TransportFunc func(req *http.Request) (*http.Response, error)

func (f TransportFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// No http.Client timeout is set: deadlines come from the request context so
// long streams are not cut off.
func newHTTPClient(rt *http.Transport) *http.Client {
	return &http.Client{Transport: rt}
}

func baseTransport() *http.Transport {
	return http.DefaultTransport.(*http.Transport).Clone()
}

func NewDirectTransport() Transport {
	rt := baseTransport()
	rt.Proxy = nil
	return newHTTPClient(rt)
}

func NewHTTPProxyTransport(proxyURL string) (Transport, error) {
	u, err := url.Parse(strings.TrimSpace(proxyURL))
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid http proxy url %q", proxyURL)
	}
	rt := baseTransport()
	rt.Proxy = http.ProxyURL(u)
	return newHTTPClient(rt), nil
}

// NewSOCKSProxyTransport accepts socks5://[user:pass@]host:port. A bare
// host:port is treated as socks5.
func NewSOCKSProxyTransport(proxyURL string) (Transport, error) {
	raw := strings.TrimSpace(proxyURL)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid socks proxy url %q", proxyURL)
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "socks proxy dialer")
	}
	rt := baseTransport()
	rt.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		rt.DialContext = cd.DialContext
	} else {
		rt.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return newHTTPClient(rt), nil
}

// TransportFromSettings prefers the HTTPS proxy, then the SOCKS proxy, and
// falls back to a direct connection.
func TransportFromSettings(httpsProxy, socksProxy string) (Transport, error) {
	switch {
	case strings.TrimSpace(httpsProxy) != "":
		log.Info().Str("component", "upstream").Str("proxy", httpsProxy).Msg("using https proxy")
		return NewHTTPProxyTransport(httpsProxy)
	case strings.TrimSpace(socksProxy) != "":
		log.Info().Str("component", "upstream").Str("proxy", socksProxy).Msg("using socks proxy")
		return NewSOCKSProxyTransport(socksProxy)
	default:
		return NewDirectTransport(), nil
	}
}
