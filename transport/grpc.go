package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// RelayServiceName is the gRPC service exposing the relay session stream.
const RelayServiceName = "eventnet.Relay"

const sessionMethod = "/" + RelayServiceName + "/Session"

// rawFrame is the only message type on the session stream.
type rawFrame struct {
	data []byte
}

// rawCodec passes frames through untouched; the wire package already owns
// the encoding. Protobuf messages (the health service) fall through to proto.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *rawFrame:
		return m.data, nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *rawFrame:
		m.data = bytes.Clone(data)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("raw codec: unexpected message type %T", v)
}

func (rawCodec) Name() string { return "eventnet-raw" }

var sessionStreamDesc = grpc.StreamDesc{
	StreamName:    "Session",
	ServerStreams: true,
	ClientStreams: true,
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcConn struct {
	stream  msgStream
	remote  string
	closeFn func()
	once    sync.Once
	sendMu  sync.Mutex
}

func (c *grpcConn) Send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return grpcErr(c.stream.SendMsg(&rawFrame{data: frame}))
}

func (c *grpcConn) Recv() ([]byte, error) {
	var f rawFrame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, grpcErr(err)
	}
	return f.data, nil
}

func (c *grpcConn) Close() error {
	c.once.Do(c.closeFn)
	return nil
}

func (c *grpcConn) RemoteAddr() string { return c.remote }

func grpcErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
		return ErrClosed
	}
	return err
}

func dialGRPC(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	creds := insecure.NewCredentials()
	if ep.Scheme == "grpcs" {
		creds = credentials.NewTLS(clientTLS(ep, opts.TLS))
	}

	cc, err := grpc.NewClient("passthrough:///"+ep.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("create grpc client: %w", err)
	}

	resp, err := healthpb.NewHealthClient(cc).Check(ctx,
		&healthpb.HealthCheckRequest{Service: RelayServiceName})
	if err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("relay health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		_ = cc.Close()
		return nil, fmt.Errorf("relay health check: status %s", resp.GetStatus())
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(streamCtx, &sessionStreamDesc, sessionMethod,
		grpc.ForceCodec(rawCodec{}),
		grpc.MaxCallRecvMsgSize(opts.MaxFrameSize),
		grpc.MaxCallSendMsgSize(opts.MaxFrameSize),
	)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("open session stream: %w", err)
	}

	return &grpcConn{
		stream: stream,
		remote: ep.Host,
		closeFn: func() {
			_ = stream.CloseSend()
			cancel()
			_ = cc.Close()
		},
	}, nil
}

type grpcListener struct {
	ln     net.Listener
	srv    *grpc.Server
	health *health.Server
	scheme string
	queue  *acceptQueue
	once   sync.Once
}

// sessionService is the handler type registered for the relay service.
type sessionService interface{}

func listenGRPC(ep Endpoint, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", ep.Host)
	if err != nil {
		return nil, err
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(opts.MaxFrameSize),
		grpc.MaxSendMsgSize(opts.MaxFrameSize),
	}
	if ep.Scheme == "grpcs" {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}

	l := &grpcListener{
		ln:     ln,
		srv:    grpc.NewServer(serverOpts...),
		health: health.NewServer(),
		scheme: ep.Scheme,
		queue:  newAcceptQueue(),
	}

	l.srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: RelayServiceName,
		HandlerType: (*sessionService)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    sessionStreamDesc.StreamName,
			Handler:       l.handleSession,
			ServerStreams: true,
			ClientStreams: true,
		}},
		Metadata: "eventnet/relay",
	}, struct{}{})

	healthpb.RegisterHealthServer(l.srv, l.health)
	l.health.SetServingStatus(RelayServiceName, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := l.srv.Serve(ln); err != nil {
			_ = l.Close()
		}
	}()
	return l, nil
}

// handleSession runs for the lifetime of one client stream.
func (l *grpcListener) handleSession(_ any, stream grpc.ServerStream) error {
	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	done := make(chan struct{})
	conn := &grpcConn{
		stream:  stream,
		remote:  remote,
		closeFn: func() { close(done) },
	}
	if !l.queue.push(conn) {
		return status.Error(codes.Unavailable, "relay shutting down")
	}

	select {
	case <-done:
	case <-stream.Context().Done():
	}
	return nil
}

func (l *grpcListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

func (l *grpcListener) Close() error {
	l.once.Do(func() {
		close(l.queue.closed)
		l.health.Shutdown()
		l.srv.Stop()
	})
	return nil
}

func (l *grpcListener) Addr() string {
	return l.scheme + "://" + l.ln.Addr().String()
}
