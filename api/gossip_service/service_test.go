package gossipservice

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/versiondb/core/algebra"
	"github.com/sushant-115/versiondb/core/convergence"
	"github.com/sushant-115/versiondb/core/schema"
	internaltelemetry "github.com/sushant-115/versiondb/internal/telemetry"
	"github.com/sushant-115/versiondb/pkg/connection"
)

// --- Test Helpers ---

type cluster struct {
	t         *testing.T
	listeners map[string]*bufconn.Listener
	reader    *sdkmetric.ManualReader
	spans     *tracetest.SpanRecorder
	metrics   *internaltelemetry.GrpcServerMetrics
	tracer    *sdktrace.TracerProvider
	pool      *connection.ConnectionPoolManager
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	c := &cluster{
		t:         t,
		listeners: make(map[string]*bufconn.Listener),
		reader:    sdkmetric.NewManualReader(),
		spans:     tracetest.NewSpanRecorder(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(c.reader))
	metrics, err := internaltelemetry.NewGrpcServerMetrics(mp.Meter("test"))
	require.NoError(t, err)
	c.metrics = metrics
	c.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(c.spans))

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		return c.listeners[addr].DialContext(ctx)
	}
	c.pool = connection.NewConnectionPoolManager(2,
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	t.Cleanup(func() { _ = c.pool.Close() })
	return c
}

// serve starts a gossip server for a fresh node and returns the node.
func (c *cluster) serve(id convergence.NodeID) *convergence.Node {
	c.t.Helper()
	registry := schema.NewRegistry()
	require.NoError(c.t, registry.Register("counters", "total", algebra.OpAdd))
	require.NoError(c.t, registry.Register("profile", "status", algebra.OpOverwrite))
	node, err := convergence.NewNode(convergence.Options{ID: id, Registry: registry, Logger: zap.NewNop()})
	require.NoError(c.t, err)

	lis := bufconn.Listen(1 << 20)
	c.listeners[string(id)] = lis
	srv := grpc.NewServer(grpc.UnaryInterceptor(c.metrics.UnaryServerInterceptor(c.tracer.Tracer("test"))))
	RegisterGossipServer(srv, NewServer(node, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	c.t.Cleanup(srv.Stop)
	return node
}

func (c *cluster) client(peers ...convergence.NodeID) *Client {
	cl := NewClient(c.pool, 0)
	for _, peer := range peers {
		cl.SetPeer(peer, "passthrough:///"+string(peer))
	}
	return cl
}

func (c *cluster) counter(name string) int64 {
	c.t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(c.t, c.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(c.t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// --- Test Cases ---

func TestGossipOverGRPCConverges(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a, b := c.serve("a"), c.serve("b")
	a.AddPeer("b")
	b.AddPeer("a")

	_, err := a.LocalCommit(ctx, []convergence.Operation{{Table: "counters", Column: "total", Op: algebra.OpAdd, Value: algebra.Int(5)}})
	require.NoError(t, err)
	_, err = b.LocalCommit(ctx, []convergence.Operation{{Table: "counters", Column: "total", Op: algebra.OpAdd, Value: algebra.Int(3)}})
	require.NoError(t, err)

	ga := convergence.NewGossiper(a, c.client("b"), convergence.GossiperConfig{}, zap.NewNop())
	gb := convergence.NewGossiper(b, c.client("a"), convergence.GossiperConfig{}, zap.NewNop())
	require.NoError(t, ga.Round(ctx))
	require.NoError(t, gb.Round(ctx))

	for _, n := range []*convergence.Node{a, b} {
		v, ok := n.Value("counters", "total")
		require.True(t, ok)
		require.True(t, algebra.Int(8).Equal(v), "%s converged to %s", n.ID(), v)
	}
	require.Empty(t, a.Unacked("b", 0))

	require.Equal(t, int64(2), c.counter("versiondb.grpc.server.started_total"))
	require.Equal(t, int64(2), c.counter("versiondb.grpc.server.handled_total"))
	require.Equal(t, int64(0), c.counter("versiondb.grpc.server.active_rpcs"))
	spans := c.spans.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, pushMethod, spans[0].Name())
}

func TestGossipOverGRPCReportsConflicts(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	b := c.serve("b")
	b.AddPeer("a")
	require.NoError(t, b.Registry().AssignOwner("profile", "b"))
	_, err := b.LocalCommit(ctx, []convergence.Operation{{Table: "profile", Column: "status", Op: algebra.OpOverwrite, Value: algebra.Int(2)}})
	require.NoError(t, err)

	// A write from a that never saw b's write.
	rec := &convergence.CommitRecord{
		ID:     [16]byte{1},
		Origin: "a",
		Clock:  convergence.VectorClock{"a": 1},
		Ops:    []convergence.Operation{{Table: "profile", Column: "status", Op: algebra.OpOverwrite, Value: algebra.Int(1)}},
	}
	ack, err := c.client("b").Push(ctx, "b", &convergence.GossipMessage{From: "a", Clock: rec.Clock, Records: []*convergence.CommitRecord{rec}})
	require.NoError(t, err)
	require.Equal(t, convergence.NodeID("b"), ack.From)
	require.Equal(t, rec.ID, ack.Conflicts[0])
	require.Len(t, b.Conflicts(), 1)

	_, err = c.client().Push(ctx, "b", &convergence.GossipMessage{From: "a"})
	require.ErrorIs(t, err, convergence.ErrUnknownPeer)
}

func TestPushRejectsEmptyMessage(t *testing.T) {
	s := NewServer(nil, nil)
	_, err := s.Push(context.Background(), nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
