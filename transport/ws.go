package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	ws.SetReadLimit(int64(opts.MaxFrameSize))
	return &wsConn{ws: ws, timeout: opts.WriteTimeout}
}

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return mapWSErr(err)
	}
	return mapWSErr(c.ws.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *wsConn) Recv() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, mapWSErr(err)
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func mapWSErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	return err
}

func dialWebSocket(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	scheme := "ws"
	dialer := &websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if ep.Scheme == "wss" {
		scheme = "wss"
		dialer.TLSClientConfig = clientTLS(ep, opts.TLS)
	}

	ws, _, err := dialer.DialContext(ctx, scheme+"://"+ep.Host+opts.Path, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, opts), nil
}

type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	scheme string
	queue  *acceptQueue
	once   sync.Once
}

func listenWebSocket(ep Endpoint, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", ep.Host)
	if err != nil {
		return nil, err
	}

	l := &wsListener{ln: ln, scheme: ep.Scheme, queue: newAcceptQueue()}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Relay peers are not browsers; origin checks do not apply.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if !l.queue.push(newWSConn(ws, opts)) {
			_ = ws.Close()
		}
	})

	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         opts.TLS,
	}
	go func() {
		var err error
		if ep.Scheme == "wss" {
			err = l.srv.ServeTLS(ln, "", "")
		} else {
			err = l.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = l.Close()
		}
	}()
	return l, nil
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.queue.closed)
		// Hijacked WebSocket connections are not tracked by the server and
		// stay open until their owners close them.
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return l.scheme + "://" + l.ln.Addr().String()
}
