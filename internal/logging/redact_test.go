package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/conductd/internal/config"
)

func TestRedactingEncoder_FieldNames(t *testing.T) {
	t.Parallel()

	enc := NewRedactingEncoder(newEncoder("json"), []string{"password", "api_key"})

	enc.AddString("password", "hunter2")
	enc.AddString("API_KEY", "sk-12345")
	enc.AddString("username", "alice")

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "m"}, nil)
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "hunter2", "password value must be redacted")
	assert.NotContains(t, out, "sk-12345", "api key must be redacted case-insensitively")
	assert.Contains(t, out, "alice", "non-sensitive fields pass through")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactingEncoder_Clone(t *testing.T) {
	t.Parallel()

	enc := NewRedactingEncoder(newEncoder("json"), []string{"token"})
	clone, ok := enc.Clone().(*RedactingEncoder)
	require.True(t, ok, "Clone must preserve the redacting wrapper")

	clone.AddString("token", "abc")
	buf, err := clone.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "m"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "abc")
}

func TestRedactedString(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	logger.Info("auth", RedactedString("authorization", "Bearer abc123"))

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED:13]", entries[0].Context[0].String)
}

func TestSecretField(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	logger.Info("creds", Secret("qdrant_api_key", config.Secret("topsecret")))

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "[REDACTED:9]", entries[0].Context[0].String)
}
