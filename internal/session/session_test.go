package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProxyDisableIsSticky(t *testing.T) {
	s := New(nil)
	assert.False(t, s.ProxyDisabled())

	s.DisableProxy("net::ERR_CONNECTION_RESET")
	s.DisableProxy("second reason ignored")
	assert.True(t, s.ProxyDisabled())
	assert.Equal(t, "net::ERR_CONNECTION_RESET", s.DisableReason())

	s.ResetProxy()
	assert.False(t, s.ProxyDisabled())
	assert.Empty(t, s.DisableReason())
}

func TestRetryCounter(t *testing.T) {
	s := New(nil)
	assert.Equal(t, 1, s.IncRetries())
	assert.Equal(t, 2, s.IncRetries())
	assert.Equal(t, 2, s.Retries())
	s.ResetRetries()
	assert.Zero(t, s.Retries())
}

func TestSessionsAreIndependent(t *testing.T) {
	a, b := New(nil), New(nil)
	a.DisableProxy("reset")
	a.IncRetries()
	assert.False(t, b.ProxyDisabled())
	assert.Zero(t, b.Retries())
}
