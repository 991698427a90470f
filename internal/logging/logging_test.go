package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_LevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter("TEST", "warn", &buf)

	l.Info("should be dropped")
	assert.Empty(t, buf.String())

	l.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestLogger_DefaultsToInfoOnUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter("TEST", "bogus", &buf)

	l.Info("visible at default info level")
	assert.Contains(t, buf.String(), "visible at default info level")
}

func TestLogger_With_AddsField(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter("TEST", "debug", &buf).With("conn_id", "abc-123")

	l.Debug("hello")
	assert.Contains(t, buf.String(), "abc-123")
	assert.Contains(t, buf.String(), "\"component\":\"TEST\"")
}

func TestLogger_FieldsAreIncluded(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter("TEST", "info", &buf)

	l.Error("upstream failed", "host", "example.com", "err", "dial timeout")
	out := buf.String()
	assert.Contains(t, out, "\"host\":\"example.com\"")
	assert.Contains(t, out, "\"err\":\"dial timeout\"")
}
