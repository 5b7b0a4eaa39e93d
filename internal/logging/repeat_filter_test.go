package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRepeatFilter_SuppressesWithinWindow(t *testing.T) {
	buf := &bytes.Buffer{}
	clk := clock.NewMock()
	logger := slog.New(NewRepeatFilter(slog.NewTextHandler(buf, nil), time.Minute, clk))

	for i := 0; i < 5; i++ {
		logger.Warn("storage write failed", "key", "beacon.visitor")
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "storage write failed"))

	clk.Add(time.Minute)
	logger.Warn("storage write failed", "key", "beacon.visitor")

	assert.Equal(t, 2, strings.Count(buf.String(), "storage write failed"))
	assert.Contains(t, buf.String(), "suppressed=4")
}

func TestRepeatFilter_DistinctAttributesPass(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewRepeatFilter(slog.NewTextHandler(buf, nil), time.Minute, clock.NewMock()))

	logger.Warn("storage write failed", "key", "a")
	logger.Warn("storage write failed", "key", "b")

	assert.Equal(t, 2, strings.Count(buf.String(), "storage write failed"))
}

func TestRepeatFilter_SharedStateAcrossWithAttrs(t *testing.T) {
	buf := &bytes.Buffer{}
	filter := NewRepeatFilter(slog.NewTextHandler(buf, nil), time.Minute, clock.NewMock())

	slog.New(filter).With("component", "storage").Warn("quota exceeded")
	slog.New(filter).With("component", "storage").Warn("quota exceeded")

	assert.Equal(t, 1, strings.Count(buf.String(), "quota exceeded"))
}
