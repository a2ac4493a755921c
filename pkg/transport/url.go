package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gaborcsardi/mirai/pkg/utils"
	"github.com/google/uuid"
)

// A parsed socket URL. Supported schemes:
//
//	tcp://host:port
//	tls+tcp://host:port
//	ws://host:port/path
//	wss://host:port/path
//	ipc://path
//	abstract://id
//
// IPv6 hosts are bracketed. Port 0 requests an ephemeral port from
// the OS; the bound port is reported back by the listener.
type URL struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// Parse validates and decomposes a socket URL.
func Parse(raw string) (*URL, error) {
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrBadURL, err)
	}

	parsed := &URL{Scheme: uri.Scheme}

	switch uri.Scheme {
	case "tcp", "tls+tcp", "ws", "wss":
		host, portStr, err := net.SplitHostPort(uri.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: missing port", utils.ErrBadURL, raw)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("%w: %s: bad port", utils.ErrBadURL, raw)
		}
		parsed.Host = host
		parsed.Port = port
		parsed.Path = uri.Path

	case "ipc":
		path := uri.Path
		if path == "" {
			path = uri.Opaque
		}
		if uri.Host != "" {
			// ipc://dir/file parses the first segment as a host.
			path = uri.Host + path
		}
		if path == "" {
			return nil, fmt.Errorf("%w: %s: missing path", utils.ErrBadURL, raw)
		}
		parsed.Path = path

	case "abstract":
		if uri.Host == "" {
			return nil, fmt.Errorf("%w: %s: missing identifier", utils.ErrBadURL, raw)
		}
		parsed.Path = uri.Host

	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", utils.ErrBadURL, uri.Scheme)
	}

	return parsed, nil
}

// TLS reports whether the scheme activates TLS.
func (u *URL) TLS() bool {
	return strings.HasPrefix(u.Scheme, "tls+") || u.Scheme == "wss"
}

// WebSocket reports whether the scheme uses the websocket transport.
func (u *URL) WebSocket() bool {
	return u.Scheme == "ws" || u.Scheme == "wss"
}

// Unix reports whether the scheme uses a unix domain socket.
func (u *URL) Unix() bool {
	return u.Scheme == "ipc" || u.Scheme == "abstract"
}

func (u *URL) String() string {
	switch u.Scheme {
	case "ipc":
		return u.Scheme + "://" + u.Path
	case "abstract":
		return u.Scheme + "://" + u.Path
	default:
		return u.Scheme + "://" + u.hostport() + u.Path
	}
}

func (u *URL) hostport() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// WithPort returns a copy with the given port. Used to report the
// bound port back after listening on port 0.
func (u *URL) WithPort(port int) *URL {
	clone := *u
	clone.Port = port
	return &clone
}

// Regenerate returns a fresh URL on the same scheme and host. TCP and
// websocket URLs request a new ephemeral port; unix domain URLs get a
// new random identifier.
func (u *URL) Regenerate() *URL {
	clone := *u
	id, _ := uuid.NewRandom()

	if u.Unix() {
		clone.Path = u.Path + "." + id.String()[:8]
		return &clone
	}

	clone.Port = 0
	if u.WebSocket() {
		clone.Path = "/" + id.String()[:8]
	}
	return &clone
}

// unixName returns the address passed to the net package. Abstract
// socket names are prefixed with @.
func (u *URL) unixName() string {
	if u.Scheme == "abstract" {
		return "@" + u.Path
	}
	return u.Path
}
