// Package connectivity decides whether the app should behave as online
// or offline. The decision combines the kernel's link signal with an
// active HTTP probe, debounces flapping networks, and notifies
// subscribers only when the answer actually changes.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusfeed/feed-sync/telemetry"
)

const (
	// DefaultProbeURL answers 204 with no body, so a probe costs a
	// handful of bytes.
	DefaultProbeURL = "http://connectivitycheck.gstatic.com/generate_204"

	DefaultProbeTimeout = 10 * time.Second
	DefaultDebounce     = 1 * time.Second
	DefaultHeartbeat    = 30 * time.Second
)

// Config holds monitor settings. Zero values take the defaults above.
type Config struct {
	ProbeURL     string
	ProbeTimeout time.Duration
	Debounce     time.Duration
	Heartbeat    time.Duration
	Logger       *slog.Logger
}

// Snapshot is a point-in-time view of connectivity.
type Snapshot struct {
	Connected        bool      `json:"connected"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Monitor tracks online/offline state.
type Monitor struct {
	cfg    Config
	link   LinkState
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	resolved    bool
	online      bool
	lastChange  time.Time
	subscribers map[string]subscriber
}

type subscriber struct {
	onOnline  func()
	onOffline func()
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithHTTPClient sets the client used for probe requests. Its timeout
// is overridden by the configured probe timeout.
func WithHTTPClient(client *http.Client) MonitorOption {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a connectivity monitor over the given link signal.
func NewMonitor(cfg Config, link LinkState, opts ...MonitorOption) *Monitor {
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = DefaultProbeURL
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Monitor{
		cfg:         cfg,
		link:        link,
		client:      &http.Client{},
		logger:      cfg.Logger,
		now:         time.Now,
		subscribers: make(map[string]subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.client.Timeout = cfg.ProbeTimeout

	return m
}

// CheckConnectivity performs one synchronous reachability check and
// updates the monitor's state. A dead link short-circuits the probe. A
// probe that times out while the link is up is treated as online; slow
// networks must not strand the user in offline mode. Any HTTP response
// at all counts as reachable, captive portals included.
func (m *Monitor) CheckConnectivity(ctx context.Context) bool {
	online := m.probe(ctx)
	m.setState(online)
	return online
}

// IsOnline reports the last resolved state. Before the first check it
// reports false.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved && m.online
}

// Snapshot returns the current state and when it last changed.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Connected:        m.resolved && m.online,
		LastTransitionAt: m.lastChange,
	}
}

// Subscribe registers transition callbacks and returns an unsubscribe
// function. Callbacks fire only when the resolved state changes, never
// on repeated confirmations of the same state.
func (m *Monitor) Subscribe(onOnline, onOffline func()) func() {
	id := uuid.New().String()

	m.mu.Lock()
	m.subscribers[id] = subscriber{onOnline: onOnline, onOffline: onOffline}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Start launches the background watch loop. It performs an immediate
// check, then re-checks on debounced link changes and on a heartbeat.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("connectivity monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)

	return nil
}

// Stop terminates the watch loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	m.CheckConnectivity(ctx)

	heartbeat := time.NewTicker(m.cfg.Heartbeat)
	defer heartbeat.Stop()

	// Trailing-edge debounce: a burst of link changes schedules one
	// check after the burst settles, not one per change.
	debounce := time.NewTimer(m.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-m.link.Changes():
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(m.cfg.Debounce)
		case <-debounce.C:
			m.CheckConnectivity(ctx)
		case <-heartbeat.C:
			m.CheckConnectivity(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if !m.link.Up() {
		telemetry.RecordProbe(ctx, "link_down", 0)
		return false
	}

	start := m.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		m.logger.Error("invalid probe URL", "url", m.cfg.ProbeURL, "error", err)
		telemetry.RecordProbe(ctx, "error", m.now().Sub(start))
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if os.IsTimeout(err) || ctx.Err() == context.DeadlineExceeded {
			// The link is up but the probe endpoint is slow. Trust
			// the link rather than stranding a slow network offline.
			m.logger.Debug("probe timed out with link up, assuming online",
				"url", m.cfg.ProbeURL)
			telemetry.RecordProbe(ctx, "timeout", m.now().Sub(start))
			return true
		}
		m.logger.Debug("probe failed", "url", m.cfg.ProbeURL, "error", err)
		telemetry.RecordProbe(ctx, "error", m.now().Sub(start))
		return false
	}
	defer resp.Body.Close()

	// Any response means something answered, captive portals included.
	telemetry.RecordProbe(ctx, "ok", m.now().Sub(start))
	return true
}

func (m *Monitor) setState(online bool) {
	m.mu.Lock()

	if m.resolved && m.online == online {
		m.mu.Unlock()
		return
	}

	m.resolved = true
	m.online = online
	m.lastChange = m.now()

	subs := make([]subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Info("connectivity lost")
	}

	for _, sub := range subs {
		if online && sub.onOnline != nil {
			sub.onOnline()
		}
		if !online && sub.onOffline != nil {
			sub.onOffline()
		}
	}
}
