package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketOptions struct {
	// ListenAddr 为空时只拨号不监听
	ListenAddr string

	// Peers 静态的对端地址列表 host:port
	Peers []string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Logger *zap.Logger
}

var DefaultWebSocketOptions = WebSocketOptions{
	HandshakeTimeout: 5 * time.Second,
	WriteTimeout:     10 * time.Second,
}

// WebSocket 通过 /swarm/{topic} 升级为 websocket 的 swarm
type WebSocket struct {
	options  WebSocketOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	handlers map[string]Handler
	peers    []string
	conns    map[*wsConn]struct{}
	closed   bool
}

var _ Swarm = (*WebSocket)(nil)

func NewWebSocket(options WebSocketOptions) (*WebSocket, error) {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultWebSocketOptions.HandshakeTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWebSocketOptions.WriteTimeout
	}
	ws := &WebSocket{
		options:  options,
		logger:   options.Logger,
		upgrader: websocket.Upgrader{HandshakeTimeout: options.HandshakeTimeout},
		dialer:   &websocket.Dialer{HandshakeTimeout: options.HandshakeTimeout},
		handlers: make(map[string]Handler),
		peers:    append([]string(nil), options.Peers...),
		conns:    make(map[*wsConn]struct{}),
	}
	if options.ListenAddr == "" {
		return ws, nil
	}

	ln, err := net.Listen("tcp", options.ListenAddr)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Get("/swarm/{topic}", ws.serve)
	ws.listener = ln
	ws.server = &http.Server{Handler: r}
	go func() {
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Error("swarm server stopped", zap.Error(err))
		}
	}()
	ws.logger.Info("swarm listening", zap.String("addr", ln.Addr().String()))
	return ws, nil
}

// Addr 实际监听的地址
func (ws *WebSocket) Addr() string {
	if ws.listener == nil {
		return ""
	}
	return ws.listener.Addr().String()
}

// AddPeer 增加一个静态对端
func (ws *WebSocket) AddPeer(addr string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, p := range ws.peers {
		if p == addr {
			return
		}
	}
	ws.peers = append(ws.peers, addr)
}

func (ws *WebSocket) Join(topic []byte, handler Handler) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return ErrSwarmDown
	}
	ws.handlers[topicName(topic)] = handler
	return nil
}

func (ws *WebSocket) Leave(topic []byte) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.handlers, topicName(topic))
}

func (ws *WebSocket) serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "topic")
	ws.mu.Lock()
	handler, ok := ws.handlers[name]
	ws.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn := ws.wrap(c, r.RemoteAddr)
	if conn == nil {
		return
	}
	defer conn.Close()
	ws.logger.Debug("swarm connection accepted", zap.String("remote", r.RemoteAddr), zap.String("topic", name))
	handler(conn)
}

func (ws *WebSocket) Dial(ctx context.Context, topic []byte) (Conn, error) {
	var lastErr error = ErrNoPeers
	for _, addr := range ws.peerList() {
		conn, err := ws.dial(ctx, addr, topic)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (ws *WebSocket) DialAll(ctx context.Context, topic []byte) ([]Conn, error) {
	var conns []Conn
	var lastErr error = ErrNoPeers
	for _, addr := range ws.peerList() {
		conn, err := ws.dial(ctx, addr, topic)
		if err != nil {
			lastErr = err
			continue
		}
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return nil, lastErr
	}
	return conns, nil
}

func (ws *WebSocket) peerList() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]string(nil), ws.peers...)
}

func (ws *WebSocket) dial(ctx context.Context, addr string, topic []byte) (Conn, error) {
	url := fmt.Sprintf("ws://%s/swarm/%s", addr, topicName(topic))
	c, resp, err := ws.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNoPeers, addr)
		}
		return nil, err
	}
	conn := ws.wrap(c, addr)
	if conn == nil {
		return nil, ErrSwarmDown
	}
	return conn, nil
}

func (ws *WebSocket) wrap(c *websocket.Conn, remote string) *wsConn {
	conn := &wsConn{ws: c, remote: remote, owner: ws, done: make(chan struct{})}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		_ = c.Close()
		return nil
	}
	ws.conns[conn] = struct{}{}
	return conn
}

func (ws *WebSocket) untrack(c *wsConn) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.conns, c)
}

func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	conns := make([]*wsConn, 0, len(ws.conns))
	for c := range ws.conns {
		conns = append(conns, c)
	}
	ws.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if ws.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ws.options.HandshakeTimeout)
		defer cancel()
		return ws.server.Shutdown(ctx)
	}
	return nil
}

type wsConn struct {
	ws     *websocket.Conn
	remote string
	owner  *WebSocket

	writeMtx  sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Send(msg []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.owner.options.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return c.translate(err)
	}
	return nil
}

func (c *wsConn) Recv() ([]byte, error) {
	for {
		ty, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown()
			return nil, c.translate(err)
		}
		if ty != websocket.BinaryMessage {
			continue
		}
		return msg, nil
	}
}

func (c *wsConn) translate(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return err
}

// Close 发送关闭帧后断开
func (c *wsConn) Close() error {
	c.writeMtx.Lock()
	select {
	case <-c.done:
	default:
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	c.writeMtx.Unlock()
	c.shutdown()
	return nil
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.owner.untrack(c)
	})
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) RemoteID() string {
	return c.remote
}
