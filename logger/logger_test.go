package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRFC3339Millis(t *testing.T) {
	ts := time.Date(2021, 6, 15, 8, 30, 1, 250_000_000, time.FixedZone("X", 3600))
	assert.Equal(t, "2021-06-15T07:30:01.250Z", formatRFC3339Millis(ts))
}

func TestNewWithWriter_DropsEmptyStrings(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)

	log.Info("merged", "natural_key", "C1", "reason", "")
	log.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "natural_key=C1")
	assert.NotContains(t, out, "reason=")
	assert.NotContains(t, out, "hidden")
}
