package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/tlsutil"
	"github.com/gaborcsardi/mirai/pkg/utils"
)

const (
	dialTimeout    = 10 * time.Second
	redialMinDelay = 100 * time.Millisecond
	redialMaxDelay = 5 * time.Second
)

// Dial connects to the given URL once. TLS schemes verify the host
// against certPEM.
func Dial(ctx context.Context, rawurl string, certPEM []byte) (Conn, error) {
	uri, err := Parse(rawurl)
	if err != nil {
		return nil, err
	}

	var tlsConf *tls.Config
	if uri.TLS() {
		if len(certPEM) == 0 {
			return nil, fmt.Errorf("%w: %s requires a certificate", utils.ErrBadRequest, uri.Scheme)
		}
		tlsConf, err = tlsutil.ClientConfig(certPEM)
		if err != nil {
			return nil, err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if uri.WebSocket() {
		return dialWebsocket(dialCtx, uri, tlsConf)
	}

	dialer := net.Dialer{}

	var nc net.Conn
	if uri.Unix() {
		nc, err = dialer.DialContext(dialCtx, "unix", uri.unixName())
	} else {
		nc, err = dialer.DialContext(dialCtx, "tcp", uri.hostport())
	}
	if err != nil {
		return nil, err
	}

	if tlsConf != nil {
		tc := tls.Client(nc, tlsConf)
		if err := tc.HandshakeContext(dialCtx); err != nil {
			nc.Close()
			return nil, err
		}
		nc = tc
	}

	return NewStreamConn(nc), nil
}

func dialWebsocket(ctx context.Context, uri *URL, tlsConf *tls.Config) (Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConf},
		}
	}

	ws, _, err := websocket.Dial(ctx, uri.String(), opts)
	if err != nil {
		return nil, err
	}

	return NewWebsocketConn(ws, uri.hostport()), nil
}

// DialRetry dials with capped exponential backoff until the
// connection is established or the context is done.
func DialRetry(ctx context.Context, rawurl string, certPEM []byte) (Conn, error) {
	delay := redialMinDelay

	for {
		conn, err := Dial(ctx, rawurl, certPEM)
		if err == nil {
			return conn, nil
		}

		log.Debugf("dial %s failed: %v, retrying in %v", rawurl, err, delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > redialMaxDelay {
			delay = redialMaxDelay
		}
	}
}
