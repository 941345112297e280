package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"liblending/internal/engine"
)

func TestComputeFine(t *testing.T) {
	due := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	const rate = 5.0

	t.Run("on time is free", func(t *testing.T) {
		assert.Zero(t, engine.ComputeFine(due, due, rate))
	})

	t.Run("early return is free", func(t *testing.T) {
		assert.Zero(t, engine.ComputeFine(due, due.Add(-48*time.Hour), rate))
	})

	t.Run("one hour late counts as a full day", func(t *testing.T) {
		assert.Equal(t, 1*rate, engine.ComputeFine(due, due.Add(time.Hour), rate))
	})

	t.Run("exactly one day late is one day", func(t *testing.T) {
		assert.Equal(t, 1*rate, engine.ComputeFine(due, due.Add(24*time.Hour), rate))
	})

	t.Run("25 hours late is two days", func(t *testing.T) {
		assert.Equal(t, 2*rate, engine.ComputeFine(due, due.Add(25*time.Hour), rate))
	})

	t.Run("rate is injected", func(t *testing.T) {
		assert.Equal(t, 7.5, engine.ComputeFine(due, due.Add(time.Minute), 7.5))
	})
}
