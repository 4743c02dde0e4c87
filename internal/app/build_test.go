package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/mnemos/internal/config"
	"github.com/ent0n29/mnemos/internal/conversation"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:     "mnemos_test",
		LogLevel:             "debug",
		LogFormat:            "json",
		MemoryEmbeddingDim:   16,
		SearchProbes:         10,
		IVFFlatLists:         100,
		SoftThreshold:        3,
		HardThreshold:        5,
		TurnTTL:              24 * time.Hour,
		ImportanceFloor:      0.3,
		ContextSTMLimit:      5,
		ContextLTMLimit:      3,
		ConsolidationMode:    "inline",
		ConsolidationWorkers: 1,
		ConsolidationQueue:   8,
		RetryAfter:           time.Minute,
		RedactSummaryInput:   true,
		SessionIdleTimeout:   30 * time.Minute,
		PurgeInterval:        time.Minute,
		EmbeddingProvider:    "mock",
		SummarizerProvider:   "mock",
		QueryCacheSize:       100,
	}
}

func TestBuildWiresInMemoryStack(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	res, err := Build(context.Background(), testConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, "memory", res.Backend.Name())
	assert.Equal(t, 16, res.Vectors.Dimensions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res.Start(ctx)

	reply, err := res.Service.HandleMessage(ctx, conversation.Message{UserID: "u1", Content: "hello"})
	require.NoError(t, err)
	assert.True(t, reply.IsNewUser)
	require.NotNil(t, reply.Consolidation)
	assert.False(t, reply.Consolidation.Consolidated)
	assert.Equal(t, 1, res.Tracker.ActiveCount())
	assert.NotEmpty(t, hook.AllEntries())

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/perf/consolidation"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.SummarizerProvider = "nope"
	_, err := Build(context.Background(), cfg, logrus.New())
	require.Error(t, err)
}

func TestJanitorInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, janitorInterval(time.Second))
	assert.Equal(t, 15*time.Second, janitorInterval(time.Minute))
	assert.Equal(t, time.Minute, janitorInterval(time.Hour))
}
