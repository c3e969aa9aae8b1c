package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/pkg/clock"
	"github.com/i5heu/ouroboros-vault/pkg/encryption"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestSessionExpiresAfterInactivity(t *testing.T) {
	clk := clock.NewManual(t0)
	s := New(IdentityFor("a@example.com"), encryption.MasterKey{1}, 10*time.Minute, clk)

	assert.True(t, s.IsExpired(t0), "not started")
	s.Start()
	assert.False(t, s.IsExpired(t0.Add(9*time.Minute)))
	assert.True(t, s.IsExpired(t0.Add(10*time.Minute)))

	clk.Advance(5 * time.Minute)
	require.NoError(t, s.Touch())
	assert.False(t, s.IsExpired(t0.Add(14*time.Minute)))

	clk.Advance(11 * time.Minute)
	require.ErrorIs(t, s.Touch(), ErrExpired)
	_, err := s.MasterKey()
	require.ErrorIs(t, err, ErrExpired)
}

func TestStopWipesKey(t *testing.T) {
	s := New(IdentityFor("a@example.com"), encryption.MasterKey{7, 7, 7}, time.Hour, clock.NewManual(t0))
	s.Start()
	k, err := s.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, byte(7), k[0])

	s.Stop()
	_, err = s.MasterKey()
	require.ErrorIs(t, err, ErrNotStarted)
	assert.True(t, s.key.IsZero())
}

func TestIdentityIsStable(t *testing.T) {
	a := IdentityFor(" Alice@Example.com")
	b := IdentityFor("alice@example.com")
	assert.Equal(t, a, b)
	assert.Equal(t, "alice@example.com", a.Email)
	assert.NotEqual(t, a.ID, IdentityFor("bob@example.com").ID)
}

func TestManagerLoginAndSweep(t *testing.T) {
	clk := clock.NewManual(t0)
	m := NewManager(time.Minute, clk, nil)

	sid, s, err := m.Login("a@example.com", "p1")
	require.NoError(t, err)
	want, err := encryption.DeriveMasterKey("p1", "a@example.com")
	require.NoError(t, err)
	got, err := s.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = m.Get(sid)
	require.NoError(t, err)

	sid2, _, err := m.Login("b@example.com", "p2")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, m.Sweep())
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(sid2)
	require.ErrorIs(t, err, ErrUnknown)

	_, _, err = m.Login("a@example.com", "")
	require.ErrorIs(t, err, encryption.ErrEmptyPassword)
}

func TestManagerLogout(t *testing.T) {
	m := NewManager(time.Minute, clock.NewManual(t0), nil)
	sid, s, err := m.Login("a@example.com", "p1")
	require.NoError(t, err)

	m.Logout(sid)
	_, err = m.Get(sid)
	require.ErrorIs(t, err, ErrUnknown)
	assert.True(t, s.IsExpired(t0))
}
