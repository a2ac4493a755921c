package transport

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Websocket message carrier. Binary messages map one-to-one onto
// socket messages, no extra framing needed.
type wsReadWriter struct {
	ws     *websocket.Conn
	remote string
}

func (w *wsReadWriter) ReadMessage() ([]byte, error) {
	_, msg, err := w.ws.Read(context.Background())
	return msg, err
}

func (w *wsReadWriter) WriteMessage(msg []byte) error {
	return w.ws.Write(context.Background(), websocket.MessageBinary, msg)
}

func (w *wsReadWriter) Close() error {
	return w.ws.Close(websocket.StatusNormalClosure, "")
}

func (w *wsReadWriter) RemoteAddr() string {
	return w.remote
}

// NewWebsocketConn wraps an accepted or dialed websocket.
func NewWebsocketConn(ws *websocket.Conn, remote string) Conn {
	ws.SetReadLimit(maxMessageSize)
	return newConn(&wsReadWriter{ws: ws, remote: remote})
}

// wsAcceptHandler upgrades inbound HTTP requests and hands the
// resulting connections to the listener.
type wsAcceptHandler struct {
	path   string
	accept chan Conn
	done   chan struct{}
}

func (h *wsAcceptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.path != "" && h.path != "/" && r.URL.Path != h.path {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}

	conn := NewWebsocketConn(ws, r.RemoteAddr)

	select {
	case h.accept <- conn:
	case <-h.done:
		conn.Close()
	}

	// Keep the handler alive until the connection is torn down,
	// the websocket is tied to the request context.
	select {
	case <-conn.Done():
	case <-h.done:
		conn.Close()
		<-conn.Done()
	}
}
