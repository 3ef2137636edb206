package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := AppendCtx(context.Background(), slog.String("runId", "run-1"))
	ctx = AppendCtx(ctx, slog.String("webhookId", "evt_1"))
	logger.InfoContext(ctx, "processing")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "processing", record["msg"])
	assert.Equal(t, "run-1", record["runId"])
	assert.Equal(t, "evt_1", record["webhookId"])
}

func TestAppendCtx_DoesNotLeakIntoParent(t *testing.T) {
	parent := AppendCtx(context.Background(), slog.String("runId", "run-1"))
	_ = AppendCtx(parent, slog.String("id", "a"))
	child := AppendCtx(parent, slog.String("id", "b"))

	assert.Len(t, attrsFromContext(parent), 1)
	attrs := attrsFromContext(child)
	require.Len(t, attrs, 2)
	assert.Equal(t, "b", attrs[1].Value.String())
}
