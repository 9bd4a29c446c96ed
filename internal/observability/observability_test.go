package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("warn", "json", &buf)
	l.Info("hidden")
	l.Warn("shown", "session_id", "s1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "s1", line["session_id"])
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	scoped := NewLogger("info", "text", &buf).With("connection_id", "c1")
	ctx := WithLogger(context.Background(), scoped)

	LoggerFromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), "connection_id=c1")
	assert.Equal(t, Logger(), LoggerFromContext(context.Background()))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGoRecoversPanic(t *testing.T) {
	out := &lockedBuffer{}
	Go(NewLogger("info", "json", out), "boom", func() {
		panic("kaboom")
	})
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "kaboom")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), `"goroutine":"boom"`)
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Dropped.WithLabelValues(StageLive).Inc()
	m.Dropped.WithLabelValues(StageLive).Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Dropped.WithLabelValues(StageLive)))
	assert.Panics(t, func() { NewMetrics(reg) })
}
