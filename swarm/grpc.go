package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	grpcConnectMethod = "/pairkv.Swarm/Connect"
	topicMetadataKey  = "pairkv-topic"
	acceptMetadataKey = "pairkv-accepted"
)

// grpcSwarmServer 服务端只有一个双向流方法，每条流对应一个 Conn
type grpcSwarmServer interface {
	connect(stream grpc.ServerStream) error
}

var grpcSwarmDesc = grpc.ServiceDesc{
	ServiceName: "pairkv.Swarm",
	HandlerType: (*grpcSwarmServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(grpcSwarmServer).connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pairkv/swarm",
}

type GRPCOptions struct {
	// ListenAddr 为空时只拨号不监听
	ListenAddr string

	// Peers 静态的对端地址列表 host:port
	Peers []string

	// DialTimeout 建立流并等到对端接受的最长时间
	DialTimeout time.Duration

	// Linger 关闭发送方向后等待对端结束流的时间
	Linger time.Duration

	Logger *zap.Logger
}

var DefaultGRPCOptions = GRPCOptions{
	DialTimeout: 5 * time.Second,
	Linger:      time.Second,
}

// GRPC 基于 gRPC 双向流的 swarm，消息是 BytesValue
type GRPC struct {
	options  GRPCOptions
	logger   *zap.Logger
	listener net.Listener
	server   *grpc.Server

	mu       sync.Mutex
	handlers map[string]Handler
	peers    []string
	clients  map[string]*grpc.ClientConn
	conns    map[*grpcConn]struct{}
	closed   bool
}

var _ Swarm = (*GRPC)(nil)

func NewGRPC(options GRPCOptions) (*GRPC, error) {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultGRPCOptions.DialTimeout
	}
	if options.Linger <= 0 {
		options.Linger = DefaultGRPCOptions.Linger
	}
	g := &GRPC{
		options:  options,
		logger:   options.Logger,
		handlers: make(map[string]Handler),
		peers:    append([]string(nil), options.Peers...),
		clients:  make(map[string]*grpc.ClientConn),
		conns:    make(map[*grpcConn]struct{}),
	}
	if options.ListenAddr == "" {
		return g, nil
	}

	ln, err := net.Listen("tcp", options.ListenAddr)
	if err != nil {
		return nil, err
	}
	g.listener = ln
	g.server = grpc.NewServer()
	g.server.RegisterService(&grpcSwarmDesc, g)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.logger.Error("swarm server stopped", zap.Error(err))
		}
	}()
	g.logger.Info("swarm listening", zap.String("addr", ln.Addr().String()), zap.String("transport", "grpc"))
	return g, nil
}

// Addr 实际监听的地址
func (g *GRPC) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// AddPeer 增加一个静态对端
func (g *GRPC) AddPeer(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.peers {
		if p == addr {
			return
		}
	}
	g.peers = append(g.peers, addr)
}

func (g *GRPC) Join(topic []byte, handler Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrSwarmDown
	}
	g.handlers[topicName(topic)] = handler
	return nil
}

func (g *GRPC) Leave(topic []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.handlers, topicName(topic))
}

// connect 入站流: 按 metadata 中的 topic 找到 handler
// 流在 handler 返回或者连接被关闭时结束
func (g *GRPC) connect(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	var name string
	if v := md.Get(topicMetadataKey); len(v) > 0 {
		name = v[0]
	}
	g.mu.Lock()
	handler, ok := g.handlers[name]
	g.mu.Unlock()
	if !ok {
		return status.Error(codes.NotFound, "no handler for topic")
	}
	if err := stream.SendHeader(metadata.Pairs(acceptMetadataKey, "1")); err != nil {
		return err
	}

	remote := "grpc"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	conn := g.track(newGRPCConn(stream, remote, nil, nil))
	if conn == nil {
		return status.Error(codes.Unavailable, "swarm is closed")
	}
	g.logger.Debug("swarm connection accepted", zap.String("remote", remote), zap.String("topic", name))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer conn.Close()
		handler(conn)
	}()
	select {
	case <-finished:
	case <-conn.Done():
	}
	return nil
}

func (g *GRPC) Dial(ctx context.Context, topic []byte) (Conn, error) {
	var lastErr error = ErrNoPeers
	for _, addr := range g.peerList() {
		conn, err := g.dial(ctx, addr, topic)
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

func (g *GRPC) DialAll(ctx context.Context, topic []byte) ([]Conn, error) {
	var conns []Conn
	var lastErr error = ErrNoPeers
	for _, addr := range g.peerList() {
		conn, err := g.dial(ctx, addr, topic)
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

func (g *GRPC) peerList() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.peers...)
}

// client 每个对端地址复用一个 ClientConn
func (g *GRPC) client(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrSwarmDown
	}
	if cc, ok := g.clients[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	g.clients[addr] = cc
	return cc, nil
}

func (g *GRPC) dial(ctx context.Context, addr string, topic []byte) (Conn, error) {
	cc, err := g.client(ctx, addr)
	if err != nil {
		return nil, err
	}

	// 流的生命周期比 ctx 长，ctx 只约束建立阶段
	streamCtx, cancel := context.WithCancel(context.Background())
	dialCtx, dialCancel := context.WithTimeout(ctx, g.options.DialTimeout)
	defer dialCancel()
	stop := context.AfterFunc(dialCtx, cancel)

	streamCtx = metadata.AppendToOutgoingContext(streamCtx, topicMetadataKey, topicName(topic))
	stream, err := cc.NewStream(streamCtx, &grpcSwarmDesc.Streams[0], grpcConnectMethod)
	if err != nil {
		cancel()
		return nil, dialError(err, addr)
	}
	md, err := stream.Header()
	if err == nil && len(md.Get(acceptMetadataKey)) == 0 {
		// 对端没有发送头部就结束了流，状态要从 RecvMsg 中取
		err = stream.RecvMsg(new(wrapperspb.BytesValue))
		if err == nil || errors.Is(err, io.EOF) {
			err = status.Error(codes.NotFound, "stream ended before accept")
		}
	}
	if !stop() || err != nil {
		cancel()
		if err == nil {
			err = dialCtx.Err()
		}
		return nil, dialError(err, addr)
	}

	conn := g.track(newGRPCConn(stream, addr, stream.CloseSend, cancel))
	if conn == nil {
		cancel()
		return nil, ErrSwarmDown
	}
	return conn, nil
}

func dialError(err error, addr string) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s: %w", ErrNoPeers, addr, err)
	}
	return err
}

func (g *GRPC) track(c *grpcConn) *grpcConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		c.shutdown()
		return nil
	}
	c.owner = g
	g.conns[c] = struct{}{}
	return c
}

func (g *GRPC) untrack(c *grpcConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

func (g *GRPC) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conns := make([]*grpcConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	clients := g.clients
	g.clients = nil
	g.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	var errs []error
	for _, cc := range clients {
		errs = append(errs, cc.Close())
	}
	if g.server != nil {
		g.server.Stop()
	}
	return errors.Join(errs...)
}

// msgStream 客户端流和服务端流共同的部分
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcConn struct {
	stream    msgStream
	remote    string
	owner     *GRPC
	closeSend func() error // 服务端为 nil
	cancel    context.CancelFunc

	writeMtx  sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newGRPCConn(stream msgStream, remote string, closeSend func() error, cancel context.CancelFunc) *grpcConn {
	return &grpcConn{
		stream:    stream,
		remote:    remote,
		closeSend: closeSend,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (c *grpcConn) Send(msg []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.stream.SendMsg(wrapperspb.Bytes(msg)); err != nil {
		return c.translate(err)
	}
	return nil
}

func (c *grpcConn) Recv() ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	var msg wrapperspb.BytesValue
	if err := c.stream.RecvMsg(&msg); err != nil {
		c.shutdown()
		return nil, c.translate(err)
	}
	return msg.GetValue(), nil
}

// translate 对端正常结束流(io.EOF)或者本端已经关闭时返回 ErrClosed
func (c *grpcConn) translate(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if status.Code(err) == codes.Canceled {
		return ErrClosed
	}
	return err
}

// Close 客户端先关闭发送方向，对端读到 io.EOF，等待 Linger 后取消流
// 服务端关闭时入站流随之结束
func (c *grpcConn) Close() error {
	c.writeMtx.Lock()
	select {
	case <-c.done:
	default:
		if c.closeSend != nil {
			_ = c.closeSend()
		}
	}
	c.writeMtx.Unlock()
	c.shutdown()
	return nil
}

func (c *grpcConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancel != nil {
			linger := DefaultGRPCOptions.Linger
			if c.owner != nil {
				linger = c.owner.options.Linger
			}
			time.AfterFunc(linger, c.cancel)
		}
		if c.owner != nil {
			c.owner.untrack(c)
		}
	})
}

func (c *grpcConn) Done() <-chan struct{} {
	return c.done
}

func (c *grpcConn) RemoteID() string {
	return c.remote
}
