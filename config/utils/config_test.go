package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	assert.Equal(t, 90*time.Minute, Duration("1h30m", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("not a duration", time.Minute))
	assert.Equal(t, time.Minute, Duration("-5s", time.Minute))
}
