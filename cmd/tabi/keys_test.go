package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/auth"
)

func TestWriteKeyPair_LoadsIntoJWTManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	privPath, pubPath, err := writeKeyPair(dir)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour, logger)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("ops-1", auth.RoleOperator)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.OperatorID)
}

func TestWriteKeyPair_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, _, err := writeKeyPair(dir)
	require.NoError(t, err)

	_, _, err = writeKeyPair(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestHashKeyUsage(t *testing.T) {
	assert.Equal(t, 2, hashKey(nil))
	assert.Equal(t, 2, hashKey([]string{""}))
}
