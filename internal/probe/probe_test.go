package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"semaphore/offline/internal/model"
)

func up() Prober { return ProberFunc(func(context.Context) error { return nil }) }
func down() Prober { return ProberFunc(func(context.Context) error { return errors.New("unreachable") }) }

func TestPrefersCanonicalOverLocal(t *testing.T) {
	s := NewSet(time.Second)
	s.Register(model.TransportPeer, up())
	s.Register(model.TransportLocalHub, up())
	s.Register(model.TransportCanonical, up())

	state, results := s.Run(context.Background())
	assert.Equal(t, model.TransportCanonical, state.Current)
	assert.Equal(t, []model.TransportKind{model.TransportCanonical, model.TransportLocalHub, model.TransportPeer}, state.Reachable)
	require.Len(t, results, 3)
	assert.Equal(t, model.TransportCanonical, results[0].Transport)
}

func TestBestReachableNotFastest(t *testing.T) {
	s := NewSet(time.Second)
	s.Register(model.TransportPeer, up())
	s.Register(model.TransportLocalHub, ProberFunc(func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))
	s.Register(model.TransportCanonical, down())

	state, _ := s.Run(context.Background())
	assert.Equal(t, model.TransportLocalHub, state.Current)
}

func TestNothingReachable(t *testing.T) {
	s := NewSet(time.Second)
	s.Register(model.TransportCanonical, down())
	s.Register(model.TransportLocalHub, down())
	state, _ := s.Run(context.Background())
	assert.Equal(t, model.TransportNone, state.Current)
	assert.Empty(t, state.Reachable)
}

func TestProbeTimeoutIsBounded(t *testing.T) {
	s := NewSet(30 * time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	s.Register(model.TransportCanonical, ProberFunc(func(context.Context) error {
		<-block
		return nil
	}))
	s.Register(model.TransportPeer, up())

	start := time.Now()
	state, results := s.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.TransportPeer, state.Current)
	assert.True(t, errors.Is(results[0].Err, context.DeadlineExceeded))
}

func TestHTTPProber(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	assert.NoError(t, HTTPProber{URL: ok.URL}.Probe(context.Background()))
	assert.Error(t, HTTPProber{URL: broken.URL}.Probe(context.Background()))
}

func TestGRPCHealthProber(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	p := GRPCHealthProber{Conn: conn}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Probe(ctx))

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Error(t, p.Probe(ctx))
}
