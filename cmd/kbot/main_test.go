package main

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_redactor(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactor("s3cr3t")}))
	lg.Info("dialing ws://p/websocket?token=s3cr3t",
		"url", "ws://p/websocket?token=s3cr3t",
		"error", errors.New("401 for token s3cr3t"),
		"n", 42,
	)
	out := buf.String()
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, `url="ws://p/websocket?token=[REDACTED]"`)
	assert.Contains(t, out, `error="401 for token [REDACTED]"`)
	assert.Contains(t, out, "n=42")
}

func Test_redactor_noSecret(t *testing.T) {
	assert.Nil(t, redactor(""))
}

func Test_iftrue(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, iftrue(true, slog.LevelDebug, slog.LevelInfo))
	assert.Equal(t, slog.LevelInfo, iftrue(false, slog.LevelDebug, slog.LevelInfo))
}
