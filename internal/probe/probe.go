package probe

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/model"
)

const DefaultTimeout = 2500 * time.Millisecond

// Prober checks whether one transport can currently be used.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber expects a 2xx answer from URL.
type HTTPProber struct {
	Client *http.Client
	URL    string
}

func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// GRPCHealthProber asks the standard gRPC health service for Service.
type GRPCHealthProber struct {
	Conn    grpc.ClientConnInterface
	Service string
}

func (p GRPCHealthProber) Probe(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(p.Conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

type Result struct {
	Transport model.TransportKind
	Reachable bool
	Latency   time.Duration
	Err       error
}

// Set probes every registered transport concurrently, each bounded by the
// set timeout, and picks the best reachable one by fixed priority.
type Set struct {
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	probers map[model.TransportKind]Prober
}

type Option func(*Set)

func WithLogger(l *zap.Logger) Option { return func(s *Set) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Set) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Set) { s.now = now } }

func NewSet(timeout time.Duration, opts ...Option) *Set {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Set{timeout: timeout, logger: zap.NewNop(), now: time.Now, probers: make(map[model.TransportKind]Prober)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register sets the prober for kind, replacing any earlier one. A nil prober
// removes the transport from consideration.
func (s *Set) Register(kind model.TransportKind, p Prober) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		delete(s.probers, kind)
		return
	}
	s.probers[kind] = p
}

// Run probes all transports and returns the resulting state together with
// the individual results in priority order.
func (s *Set) Run(ctx context.Context) (model.TransportState, []Result) {
	s.mu.RLock()
	kinds := make([]model.TransportKind, 0, len(s.probers))
	probers := make([]Prober, 0, len(s.probers))
	for kind, p := range s.probers {
		kinds = append(kinds, kind)
		probers = append(probers, p)
	}
	s.mu.RUnlock()

	results := make([]Result, len(kinds))
	var g errgroup.Group
	for i := range kinds {
		i := i
		g.Go(func() error {
			results[i] = s.probeOne(ctx, kinds[i], probers[i])
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Transport.Priority() < results[j].Transport.Priority()
	})
	state := model.TransportState{Current: model.TransportNone, ProbedAt: s.now(), Reachable: []model.TransportKind{}}
	for _, r := range results {
		if !r.Reachable {
			continue
		}
		state.Reachable = append(state.Reachable, r.Transport)
		if state.Current == model.TransportNone {
			state.Current = r.Transport
		}
	}
	return state, results
}

func (s *Set) probeOne(ctx context.Context, kind model.TransportKind, p Prober) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- p.Probe(ctx) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	r := Result{Transport: kind, Reachable: err == nil, Latency: time.Since(start), Err: err}
	s.metrics.Probe(string(kind), r.Reachable)
	if err != nil {
		s.logger.Debug("transport unreachable", zap.String("transport", string(kind)), zap.Duration("latency", r.Latency), zap.Error(err))
	}
	return r
}
