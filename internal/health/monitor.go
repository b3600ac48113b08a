package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// Status is the health of one integration.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// Checker probes one integration. A nil error means healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// HTTPChecker treats any 2xx or 3xx response as healthy.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates a checker for url that does not follow redirects.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL: url,
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// Check implements Checker.
func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// IntegrationStatus is the last known health of an integration
type IntegrationStatus struct {
	Name                string        `json:"name"`
	Status              Status        `json:"status"`
	LastChecked         time.Time     `json:"last_checked"`
	Latency             time.Duration `json:"latency"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Config holds monitor configuration
type Config struct {
	Interval       time.Duration `json:"interval"`
	CheckTimeout   time.Duration `json:"check_timeout"`
	UnhealthyAfter int           `json:"unhealthy_after"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:       time.Minute,
		CheckTimeout:   10 * time.Second,
		UnhealthyAfter: 3,
	}
}

// Monitor periodically probes registered integrations.
type Monitor struct {
	logger  *zap.Logger
	config  *Config
	events  events.Publisher
	metrics *metrics.Metrics

	mu       sync.RWMutex
	checkers map[string]Checker
	statuses map[string]*IntegrationStatus
}

// New creates a health monitor
func New(logger *zap.Logger, config *Config, publisher events.Publisher, m *metrics.Metrics) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("health check interval must be positive, got %v", config.Interval)
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = DefaultConfig().CheckTimeout
	}
	if config.UnhealthyAfter <= 0 {
		config.UnhealthyAfter = DefaultConfig().UnhealthyAfter
	}
	if publisher == nil || m == nil {
		return nil, errors.New("health monitor requires publisher and metrics")
	}

	return &Monitor{
		logger:   logger,
		config:   config,
		events:   publisher,
		metrics:  m,
		checkers: make(map[string]Checker),
		statuses: make(map[string]*IntegrationStatus),
	}, nil
}

// Register adds or replaces the checker for name.
func (m *Monitor) Register(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkers[name] = checker
	if _, ok := m.statuses[name]; !ok {
		m.statuses[name] = &IntegrationStatus{Name: name, Status: StatusUnknown}
	}
}

// Start checks all integrations immediately and then every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs every checker concurrently and returns the resulting statuses.
func (m *Monitor) CheckAll(ctx context.Context) []IntegrationStatus {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, m.config.CheckTimeout)
			defer cancel()

			start := time.Now()
			err := checker.Check(checkCtx)
			m.record(name, time.Since(start), err)
			return nil
		})
	}
	_ = g.Wait()

	return m.Statuses()
}

func (m *Monitor) record(name string, latency time.Duration, err error) {
	m.mu.Lock()
	st, ok := m.statuses[name]
	if !ok {
		st = &IntegrationStatus{Name: name, Status: StatusUnknown}
		m.statuses[name] = st
	}
	previous := st.Status

	st.LastChecked = time.Now().UTC()
	st.Latency = latency
	if err != nil {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		st.Status = StatusDegraded
		if st.ConsecutiveFailures >= m.config.UnhealthyAfter {
			st.Status = StatusUnhealthy
		}
	} else {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.Status = StatusHealthy
	}
	current := *st
	m.mu.Unlock()

	m.metrics.IntegrationHealth.WithLabelValues(name).Set(current.Status.gauge())

	if current.Status == previous {
		return
	}
	if current.Status == StatusHealthy {
		m.logger.Info("Integration status changed",
			zap.String("integration", name),
			zap.String("from", string(previous)),
			zap.String("to", string(current.Status)))
	} else {
		m.logger.Warn("Integration status changed",
			zap.String("integration", name),
			zap.String("from", string(previous)),
			zap.String("to", string(current.Status)),
			zap.Int("consecutive_failures", current.ConsecutiveFailures),
			zap.Error(err))
	}
	m.events.Publish(model.EventIntegrationStatusChanged, map[string]any{
		"integration":          name,
		"from":                 string(previous),
		"to":                   string(current.Status),
		"consecutive_failures": current.ConsecutiveFailures,
		"last_error":           current.LastError,
	})
}

// Status returns the last known status of an integration.
func (m *Monitor) Status(name string) (IntegrationStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.statuses[name]
	if !ok {
		return IntegrationStatus{}, model.NotFound("integration", name)
	}
	return *st, nil
}

// Statuses returns every integration status sorted by name.
func (m *Monitor) Statuses() []IntegrationStatus {
	m.mu.RLock()
	out := make([]IntegrationStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
