package consolidation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/provider"
)

func seedCommitted(t *testing.T, h *harness, user, session string, n int) {
	t.Helper()
	err := memory.WithTx(context.Background(), h.backend, func(tx memory.Tx) error {
		h.appendTurns(t, tx, user, session, 0, n)
		return nil
	})
	require.NoError(t, err)
}

func TestDispatcherRunsForcedJob(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	seedCommitted(t, h, "U", "S", 4)

	d := NewDispatcher(h.backend, h.engine, 1, 8, nil, h.metrics)
	done := make(chan Result, 1)
	d.SetResultHook(func(_ Job, res Result, err error) {
		assert.NoError(t, err)
		done <- res
	})
	d.Start(context.Background())
	defer d.Stop()

	require.True(t, d.Enqueue(Job{Key: Key{UserID: "U", SessionID: "S"}, Force: true}))

	select {
	case res := <-done:
		assert.True(t, res.Consolidated)
		assert.Equal(t, 4, res.TurnsDeleted)
	case <-time.After(2 * time.Second):
		t.Fatal("job never finished")
	}

	err := memory.WithTx(context.Background(), h.backend, func(tx memory.Tx) error {
		n, err := h.history.Count(context.Background(), tx, "U", "S")
		assert.Zero(t, n)
		return err
	})
	require.NoError(t, err)
}

func TestDispatcherCoalescesQueuedJobs(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	d := NewDispatcher(h.backend, h.engine, 1, 8, nil, nil)

	key := Key{UserID: "U", SessionID: "S"}
	require.True(t, d.Enqueue(Job{Key: key}))
	require.True(t, d.Enqueue(Job{Key: key, Force: true}))
	require.True(t, d.Enqueue(Job{Key: key}))
	require.True(t, d.Enqueue(Job{Key: Key{UserID: "U", SessionID: "T"}}))
	assert.Equal(t, 2, d.Pending())
	assert.False(t, d.Enqueue(Job{Key: Key{UserID: "U"}}))

	var jobs []Job
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	d.SetResultHook(func(job Job, _ Result, _ error) {
		mu.Lock()
		jobs = append(jobs, job)
		mu.Unlock()
		wg.Done()
	})
	d.Start(context.Background())
	defer d.Stop()
	wg.Wait()

	require.Len(t, jobs, 2)
	assert.Equal(t, Job{Key: key, Force: true}, jobs[0])
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherRejectsWhenFullOrStopped(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	d := NewDispatcher(h.backend, h.engine, 1, 1, nil, nil)

	assert.True(t, d.Enqueue(Job{Key: Key{UserID: "U", SessionID: "a"}}))
	assert.False(t, d.Enqueue(Job{Key: Key{UserID: "U", SessionID: "b"}}))

	d.Stop()
	assert.False(t, d.Enqueue(Job{Key: Key{UserID: "U", SessionID: "c"}}))
}

func TestConcurrentRunsOnOneConversationAreSerialised(t *testing.T) {
	var active, maxActive int32
	var calls int32
	summarizer := provider.SummarizerFunc(func(ctx context.Context, _ []provider.Turn) ([]provider.Insight, error) {
		now := atomic.AddInt32(&active, 1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if now <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, now) {
				break
			}
		}
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return []provider.Insight{{Type: "fact", Content: "Enjoys hiking", Importance: 0.6}}, nil
	})
	h := newHarness(t, DefaultConfig(), summarizer)
	seedCommitted(t, h, "U", "S", 15)

	d := NewDispatcher(h.backend, h.engine, 4, 8, nil, nil)
	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Run(context.Background(), Job{Key: Key{UserID: "U", SessionID: "S"}})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	consolidated := 0
	for _, res := range results {
		if res.Consolidated {
			consolidated++
			assert.Equal(t, 15, res.TurnsDeleted)
		}
	}
	assert.Equal(t, 1, consolidated)
}
