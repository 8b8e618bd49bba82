package jupyter

import (
	"net"
	"net/url"
	"strings"

	"github.com/cocoonstack/nbinteract/types"
)

// Settings locate a notebook server.
type Settings struct {
	BaseURL string
	WsURL   string
	Token   string
}

// NewSettings derives Settings from a started server.
func NewSettings(srv *types.Server) Settings {
	base := srv.BaseURL()
	return Settings{
		BaseURL: base,
		WsURL:   BaseToWsURL(base),
		Token:   srv.Token,
	}
}

// BaseToWsURL rewrites an http(s) server URL to its websocket form: ws: for
// loopback hosts, wss: otherwise.
func BaseToWsURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "wss"
	if isLoopback(u.Hostname()) {
		scheme = "ws"
	}
	return scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
