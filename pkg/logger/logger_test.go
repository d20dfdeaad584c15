package logger

import (
	"context"
	"path/filepath"
	"testing"

	"fleetwatch/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	assert.Equal(t, "0", TraceID(nil))
	assert.Equal(t, "0", TraceID(context.Background()))

	ctx := WithTraceID(context.Background(), "view-42")
	assert.Equal(t, "view-42", TraceID(ctx))

	assert.Equal(t, "view-7", TraceID(WithTraceID(nil, "view-7")))
}

func TestInit_FileOutput(t *testing.T) {
	prev := config.GlobalConfig
	defer func() { config.GlobalConfig = prev }()

	path := filepath.Join(t.TempDir(), "nested", "fleetwatch.log")
	config.GlobalConfig = &config.Config{
		Logger: config.LoggerConfig{Level: "debug", Output: "file", File: config.LoggerFileConfig{Path: path}},
	}

	require.NoError(t, Init())
	InfoCtx(WithTraceID(context.Background(), "abc"), "hello %s", "fleet")
	require.NoError(t, Sync())
	assert.FileExists(t, path)
}

func TestInit_WithoutConfig(t *testing.T) {
	prev := config.GlobalConfig
	defer func() { config.GlobalConfig = prev }()

	config.GlobalConfig = nil
	assert.Error(t, Init())
}
