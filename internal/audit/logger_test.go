package audit_test

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/serroba/ratelimit-service/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerAdapter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	adapter := audit.NewZapLoggerAdapter(zap.New(core))

	adapter.Info("subscribed", watermill.LogFields{"topic": audit.TopicDenied})
	adapter.Trace("polling", nil)
	adapter.With(watermill.LogFields{"consumer_group": "audit"}).
		Error("read failed", errors.New("boom"), watermill.LogFields{"stream": "s"})

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, audit.TopicDenied, entries[0].ContextMap()["topic"])

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	ctx := entries[2].ContextMap()
	assert.Equal(t, "audit", ctx["consumer_group"])
	assert.Equal(t, "s", ctx["stream"])
	assert.Equal(t, "boom", ctx["error"])
}
