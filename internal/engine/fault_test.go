package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// faultyHandler injects crashes, errors and latency into a fraction of calls.
type faultyHandler struct {
	mu      sync.Mutex
	rng     *rand.Rand
	latency time.Duration
	calls   atomic.Int64
}

func (h *faultyHandler) roll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Intn(10)
}

func (h *faultyHandler) Execute(ctx context.Context, req ActionRequest) (ActionOutput, error) {
	h.calls.Add(1)
	switch h.roll() {
	case 0:
		panic("agent connection reset")
	case 1, 2:
		return ActionOutput{}, errors.New("integration returned 503")
	case 3:
		select {
		case <-time.After(h.latency):
		case <-ctx.Done():
			return ActionOutput{}, ctx.Err()
		}
	}
	return ActionOutput{Output: "ok", AffectedEntities: []string{req.Target}}, nil
}

func TestExecute_SurvivesInjectedFaults(t *testing.T) {
	const (
		limit = 4
		runs  = 40
	)
	config := DefaultConfig()
	config.MaxConcurrent = limit
	config.ActionTimeout = 20 * time.Millisecond
	f := newFixture(t, config)

	h := &faultyHandler{rng: rand.New(rand.NewSource(42)), latency: 100 * time.Millisecond}
	f.handlers.Register(string(model.CategoryInvestigation), h)
	f.handlers.Register(string(model.CategoryNotification), h)
	f.register(t, pbWith("triage",
		act("collect", model.CategoryInvestigation),
		act("enrich", model.CategoryInvestigation, "collect"),
		act("scan", model.CategoryInvestigation),
		act("notify", model.CategoryNotification, "enrich", "scan"),
	))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
		finished []*model.PlaybookExecution
	)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := f.engine.Execute(context.Background(), "triage", testIncident(fmt.Sprintf("inc-%d", i)), "analyst", nil)

			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, model.ErrCapacityExceeded) {
				rejected++
				return
			}
			if assert.NoError(t, err) {
				finished = append(finished, exec)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, runs, rejected+len(finished))
	assert.Equal(t, 0, f.engine.Running())
	assert.Positive(t, h.calls.Load())
	assert.Equal(t, float64(rejected), testutil.ToFloat64(f.metrics.CapacityRejections))

	for _, exec := range finished {
		assert.Contains(t, []model.ExecutionStatus{model.ExecutionCompleted, model.ExecutionFailed}, exec.Status, exec.ID)
		assert.Equal(t, 4, exec.Metrics.TotalActions)
		assertTotalsBalance(t, exec)
		for id, result := range exec.ActionResults {
			if result.Status == model.ActionFailed {
				assert.NotEmpty(t, result.Error, "%s/%s", exec.ID, id)
			}
		}

		stored, err := f.engine.Get(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec.Status, stored.Status)
	}
}
