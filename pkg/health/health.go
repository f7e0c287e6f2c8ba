// Package health serves liveness and readiness probes.
//
// Every check is polled in the background and flips state only after a
// number of consecutive results, so a single slow ping does not take the
// pod out of rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind separates liveness from readiness probes.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// Option tunes a single check.
type Option func(*probe)

// FailureThreshold sets how many consecutive failures mark a check unhealthy.
func FailureThreshold(n int) Option {
	return func(p *probe) { p.failAfter = n }
}

// SuccessThreshold sets how many consecutive successes mark it healthy again.
func SuccessThreshold(n int) Option {
	return func(p *probe) { p.recoverAfter = n }
}

type probe struct {
	name         string
	kind         Kind
	timeout      time.Duration
	check        CheckFunc
	failAfter    int
	recoverAfter int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Touched only by the polling goroutine.
	fails, oks int
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)
	if err != nil {
		p.oks = 0
		if p.fails++; p.fails >= p.failAfter {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	if p.oks++; p.oks >= p.recoverAfter {
		p.healthy.Store(true)
	}
}

func (p *probe) failure() string {
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error()
	}
	return "check is unhealthy"
}

// Health holds the registered checks and the manual readiness flag.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check that restarts the process when failing.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc, opts ...Option) {
	h.add(Liveness, name, timeout, check, opts)
}

// AddReadinessCheck registers a check that removes the instance from
// load balancing when failing.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc, opts ...Option) {
	h.add(Readiness, name, timeout, check, opts)
}

func (h *Health) add(kind Kind, name string, timeout time.Duration, check CheckFunc, opts []Option) {
	p := &probe{
		name:         name,
		kind:         kind,
		timeout:      timeout,
		check:        check,
		failAfter:    3,
		recoverAfter: 1,
	}
	for _, o := range opts {
		o(p)
	}
	p.healthy.Store(true)

	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// Start polls every check at interval until Stop or ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := append([]*probe(nil), h.probes...)
	h.mu.Unlock()

	for _, p := range probes {
		go poll(ctx, p, interval)
	}
}

func poll(ctx context.Context, p *probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Stop ends polling. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness flag. It is set to false first thing
// during graceful shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the instance should receive traffic.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.failures(Readiness)) == 0
}

func (h *Health) failures(kind Kind) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range h.probes {
		if p.kind == kind && !p.healthy.Load() {
			out[p.name] = p.failure()
		}
	}
	return out
}

// Report is the probe endpoint body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	write(w, h.failures(Liveness))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(Readiness)
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	write(w, failures)
}

func write(w http.ResponseWriter, failures map[string]string) {
	rep := Report{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		rep = Report{Status: "unhealthy", Checks: failures}
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
