package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, InfoLevel, ParseLogLevel("info"))
	assert.Equal(t, WarnLevel, ParseLogLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("nonsense"))
}

func TestLoggerEmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(InfoLevel, &buf)

	log.WithField("entry_id", "entry-1").
		WithError(errors.New("gateway down")).
		Warn("charge attempt failed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "charge attempt failed", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "entry-1", line["entry_id"])
	assert.Equal(t, "gateway down", line["error"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(WarnLevel, &buf)

	log.Info("quiet")
	assert.Zero(t, buf.Len())

	log.Warnf("tick %d overlapped", 3)
	assert.Contains(t, buf.String(), "tick 3 overlapped")
}

func TestWithErrorNil(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(InfoLevel, &buf)

	log.WithError(nil).Info("ok")
	assert.NotContains(t, buf.String(), "error")
}
