package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterEmitter(t *testing.T) {
	var mu sync.Mutex
	got := map[string]map[string]string{}
	RegisterEmitter(func(ctx context.Context, name string, labels map[string]string, value any) {
		mu.Lock()
		defer mu.Unlock()
		got[name] = labels
	})
	defer RegisterEmitter(nil)

	ctx := context.Background()
	EmitRecordOutcome(ctx, "draft", "synced")
	EmitPoolSize(ctx, "VI", 3)
	EmitRemoteLatency(ctx, "allocate", "ok", 12)

	assert.Equal(t, "synced", got["formsync_sync_record"]["outcome"])
	assert.Equal(t, "VI", got["formsync_pool_available"]["form_type"])
	assert.Equal(t, "allocate", got["formsync_remote_latency_ms"]["operation"])
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("x"))
}
