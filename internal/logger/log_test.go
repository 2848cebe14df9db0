package logger

import (
	"bytes"
	stdlog "log"
	"os"
	"strings"
	"testing"

	"firehose-ingest/internal/config"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFields(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	var buf bytes.Buffer
	l := New(config.Config{ServiceName: "firehose-ingest", InstanceID: "host-1", LogLevel: "warn"}, &buf)

	l.Info().Msg("dropped")
	l.Warn().Str("path", "data-21031506.json.bz2").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "firehose-ingest", line["service"])
	assert.Equal(t, "host-1", line["instance"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "loud"}, &buf)
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLifecycleIsNotSampled(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	prev := zlog.Logger
	defer func() {
		zlog.Logger = prev
		lifecycle.Store(nil)
		stdlog.SetOutput(os.Stderr)
	}()

	var buf bytes.Buffer
	initWith(config.Config{LogLevel: "info", LogSampleN: 100}, &buf)

	for i := 0; i < 3; i++ {
		zlog.Info().Msg("sampled")
		Lifecycle().Info().Msg("partition archived")
	}

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"sampled"`))
	assert.Equal(t, 3, strings.Count(out, `"partition archived"`))
}
