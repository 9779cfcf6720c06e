package logging_test

import (
	"testing"

	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func encodeEntry(t *testing.T, enc zapcore.Encoder, fields ...zapcore.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func newJSONRedactor(t *testing.T, cfg logging.RedactionConfig) zapcore.Encoder {
	t.Helper()
	encCfg := zapcore.EncoderConfig{MessageKey: "msg"}
	base := zapcore.NewJSONEncoder(encCfg)
	enc, err := logging.NewRedactingEncoder(base, cfg)
	require.NoError(t, err)
	return enc
}

func TestRedactsSensitiveFieldNames(t *testing.T) {
	enc := newJSONRedactor(t, logging.RedactionConfig{
		Enabled: true,
		Fields:  []string{"dek", "client_share"},
	})

	out := encodeEntry(t, enc,
		zapcore.Field{Key: "dek", Type: zapcore.StringType, String: "raw-key-bytes"},
		zapcore.Field{Key: "client_share", Type: zapcore.StringType, String: "raw-share"},
		zapcore.Field{Key: "tenant", Type: zapcore.StringType, String: "acme"},
	)

	assert.NotContains(t, out, "raw-key-bytes")
	assert.NotContains(t, out, "raw-share")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "acme")
}

func TestRedactsValuePatterns(t *testing.T) {
	enc := newJSONRedactor(t, logging.RedactionConfig{
		Enabled:  true,
		Patterns: []string{`(?i)bearer\s+\S+`},
	})

	out := encodeEntry(t, enc,
		zapcore.Field{Key: "header", Type: zapcore.StringType, String: "Bearer abc123"},
	)

	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactionDisabledPassesThrough(t *testing.T) {
	enc := newJSONRedactor(t, logging.RedactionConfig{Enabled: false})

	out := encodeEntry(t, enc,
		zapcore.Field{Key: "dek", Type: zapcore.StringType, String: "visible"},
	)
	assert.Contains(t, out, "visible")
}

func TestInvalidPatternRejected(t *testing.T) {
	encCfg := zapcore.EncoderConfig{MessageKey: "msg"}
	base := zapcore.NewJSONEncoder(encCfg)
	_, err := logging.NewRedactingEncoder(base, logging.RedactionConfig{
		Enabled:  true,
		Patterns: []string{"("},
	})
	assert.Error(t, err)
}
