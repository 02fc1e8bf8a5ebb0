package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonic_NeverGoesBack(t *testing.T) {
	c := New()
	a := c.Now()
	b := c.Now()
	assert.GreaterOrEqual(t, a, time.Duration(0))
	assert.GreaterOrEqual(t, b, a)
}

func TestFake_AdvanceAndSet(t *testing.T) {
	f := NewFake(time.Second)
	assert.Equal(t, time.Second, f.Now())

	f.Advance(250 * time.Millisecond)
	assert.Equal(t, 1250*time.Millisecond, f.Now())

	f.Set(0)
	assert.Equal(t, time.Duration(0), f.Now())
}
