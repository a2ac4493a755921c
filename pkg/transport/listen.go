package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/tlsutil"
	"github.com/gaborcsardi/mirai/pkg/utils"
)

// A listening socket accepting message connections. URL reports the
// effective address, with the OS-assigned port filled in when the
// requested port was 0.
type Listener interface {
	Accept() (Conn, error)
	URL() string
	Close() error
}

// Listen opens a listening socket on the given URL. TLS schemes
// require material; other schemes ignore it.
func Listen(rawurl string, material *tlsutil.Material) (Listener, error) {
	uri, err := Parse(rawurl)
	if err != nil {
		return nil, err
	}

	var tlsConf *tls.Config
	if uri.TLS() {
		if material == nil {
			return nil, utils.ErrBadRequest
		}
		tlsConf, err = material.ServerConfig()
		if err != nil {
			return nil, err
		}
	}

	var nl net.Listener
	if uri.Unix() {
		nl, err = net.Listen("unix", uri.unixName())
	} else {
		nl, err = net.Listen("tcp", uri.hostport())
	}
	if err != nil {
		return nil, err
	}

	// Report the bound port back for ephemeral port requests.
	if !uri.Unix() && uri.Port == 0 {
		uri = uri.WithPort(nl.Addr().(*net.TCPAddr).Port)
	}

	if uri.WebSocket() {
		return newWebsocketListener(nl, uri, tlsConf), nil
	}

	if tlsConf != nil {
		nl = tls.NewListener(nl, tlsConf)
	}

	log.Debug("Listening on", uri.String())
	return &streamListener{nl: nl, uri: uri}, nil
}

type streamListener struct {
	nl  net.Listener
	uri *URL
}

func (l *streamListener) Accept() (Conn, error) {
	nc, err := l.nl.Accept()
	if err != nil {
		return nil, utils.ErrClosed
	}
	return NewStreamConn(nc), nil
}

func (l *streamListener) URL() string {
	return l.uri.String()
}

func (l *streamListener) Close() error {
	return l.nl.Close()
}

type websocketListener struct {
	uri     *URL
	server  *http.Server
	handler *wsAcceptHandler

	closeOnce sync.Once
}

func newWebsocketListener(nl net.Listener, uri *URL, tlsConf *tls.Config) *websocketListener {
	handler := &wsAcceptHandler{
		path:   uri.Path,
		accept: make(chan Conn),
		done:   make(chan struct{}),
	}

	server := &http.Server{
		Handler:  handler,
		ErrorLog: nil,
	}

	if tlsConf != nil {
		nl = tls.NewListener(nl, tlsConf)
	}

	go server.Serve(nl)

	log.Debug("Listening on", uri.String())
	return &websocketListener{
		uri:     uri,
		server:  server,
		handler: handler,
	}
}

func (l *websocketListener) Accept() (Conn, error) {
	select {
	case conn := <-l.handler.accept:
		return conn, nil
	case <-l.handler.done:
		return nil, utils.ErrClosed
	}
}

func (l *websocketListener) URL() string {
	return l.uri.String()
}

func (l *websocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.handler.done)
		l.server.Close()
	})
	return nil
}
