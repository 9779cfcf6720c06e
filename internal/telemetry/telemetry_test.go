package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/telemetry"
)

func appTelemetryConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:        true,
		ServiceName:    "vaultd",
		ServiceVersion: "0.1.0",
		Endpoint:       "collector:4317",
		Protocol:       "http/protobuf",
		Insecure:       false,
		SampleRate:     0.25,
		MetricsEnabled: true,
	}
}

func TestNewDisabled(t *testing.T) {
	cfg := telemetry.NewDefaultConfig()
	cfg.Enabled = false

	tel, err := telemetry.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	// Disabled telemetry still hands out usable no-op instruments.
	tracer := tel.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)
	assert.False(t, tel.IsEnabled())

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*telemetry.Config)
	}{
		{"empty endpoint", func(c *telemetry.Config) { c.Endpoint = "" }},
		{"bad protocol", func(c *telemetry.Config) { c.Protocol = "thrift" }},
		{"insecure remote", func(c *telemetry.Config) { c.Endpoint = "collector.example.com:4317"; c.Insecure = true }},
		{"sample rate over 1", func(c *telemetry.Config) { c.Sampling.Rate = 1.5 }},
		{"negative sample rate", func(c *telemetry.Config) { c.Sampling.Rate = -0.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := telemetry.NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)

			_, err := telemetry.New(context.Background(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestValidateSkippedWhenDisabled(t *testing.T) {
	cfg := telemetry.NewDefaultConfig()
	cfg.Enabled = false
	cfg.Endpoint = ""

	require.NoError(t, cfg.Validate())
}

func TestInsecureLocalEndpointAllowed(t *testing.T) {
	for _, endpoint := range []string{"localhost:4317", "127.0.0.1:4317", "[::1]:4317"} {
		cfg := telemetry.NewDefaultConfig()
		cfg.Enabled = true
		cfg.Endpoint = endpoint
		cfg.Insecure = true

		assert.NoError(t, cfg.Validate(), "endpoint %s", endpoint)
	}
}

func TestNilTelemetrySafe(t *testing.T) {
	var tel *telemetry.Telemetry

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.True(t, tel.Health().Degraded)
	assert.False(t, tel.IsEnabled())
}

func TestFromAppConfig(t *testing.T) {
	cfg := telemetry.FromAppConfig(appTelemetryConfig())

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, 0.25, cfg.Sampling.Rate)
	assert.Equal(t, "vaultd", cfg.ServiceName)
}

func TestTestTelemetryRecordsSpans(t *testing.T) {
	tt := telemetry.NewTestTelemetry()

	tracer := tt.Tracer("vaultd-test")
	_, span := tracer.Start(context.Background(), "vault.create")
	span.End()

	tt.AssertSpanExists(t, "vault.create")
	assert.Nil(t, tt.SpanByName("no-such-span"))
}
