package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

type statusEvents struct {
	mu      sync.Mutex
	changes []string
}

func (s *statusEvents) handle(e model.Event) {
	if e.Name != model.EventIntegrationStatusChanged {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, e.Payload["integration"].(string)+":"+e.Payload["to"].(string))
}

func newMonitor(t *testing.T) (*Monitor, *metrics.Metrics, *statusEvents) {
	logger := zaptest.NewLogger(t)
	m := metrics.NewUnregistered()
	bus := events.NewBus(logger, m)
	rec := &statusEvents{}
	bus.Subscribe(rec.handle)

	config := DefaultConfig()
	config.CheckTimeout = 500 * time.Millisecond
	mon, err := New(logger, config, bus, m)
	require.NoError(t, err)
	return mon, m, rec
}

func TestCheckAll_StatusProgression(t *testing.T) {
	mon, m, rec := newMonitor(t)

	var failing atomic.Bool
	mon.Register("edr", CheckerFunc(func(context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	}))

	st, err := mon.Status("edr")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st.Status)

	mon.CheckAll(context.Background())
	st, _ = mon.Status("edr")
	assert.Equal(t, StatusHealthy, st.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IntegrationHealth.WithLabelValues("edr")))

	failing.Store(true)
	expected := []Status{StatusDegraded, StatusDegraded, StatusUnhealthy, StatusUnhealthy}
	for i, want := range expected {
		mon.CheckAll(context.Background())
		st, _ = mon.Status("edr")
		assert.Equal(t, want, st.Status, "check %d", i+1)
		assert.Equal(t, i+1, st.ConsecutiveFailures)
		assert.Equal(t, "connection refused", st.LastError)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(m.IntegrationHealth.WithLabelValues("edr")))

	failing.Store(false)
	mon.CheckAll(context.Background())
	st, _ = mon.Status("edr")
	assert.Equal(t, StatusHealthy, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)

	assert.Equal(t, []string{"edr:healthy", "edr:degraded", "edr:unhealthy", "edr:healthy"}, rec.changes)
}

func TestCheckAll_RunsConcurrentlyWithTimeout(t *testing.T) {
	mon, _, _ := newMonitor(t)

	mon.Register("slow", CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	mon.Register("fast", CheckerFunc(func(context.Context) error { return nil }))

	start := time.Now()
	statuses := mon.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, statuses, 2)
	assert.Equal(t, "fast", statuses[0].Name)
	assert.Equal(t, StatusHealthy, statuses[0].Status)
	assert.Equal(t, "slow", statuses[1].Name)
	assert.Equal(t, StatusDegraded, statuses[1].Status)
}

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		healthy bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"redirect", http.StatusFound, true},
		{"not found", http.StatusNotFound, false},
		{"server error", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.code == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			err := NewHTTPChecker(srv.URL).Check(context.Background())
			if tt.healthy {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStatus_Unknown(t *testing.T) {
	mon, _, _ := newMonitor(t)

	_, err := mon.Status("siem")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Empty(t, mon.Statuses())
}

func TestStart_StopsWithContext(t *testing.T) {
	mon, _, _ := newMonitor(t)
	checked := make(chan struct{}, 1)
	mon.Register("ticketing", CheckerFunc(func(context.Context) error {
		select {
		case checked <- struct{}{}:
		default:
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Start(ctx)
		close(done)
	}()

	select {
	case <-checked:
	case <-time.After(5 * time.Second):
		t.Fatal("initial check did not run")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
