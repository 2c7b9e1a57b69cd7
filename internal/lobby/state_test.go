package lobby

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstNonSpectatorBecomesHost(t *testing.T) {
	m := NewStateManager()
	watcher := uuid.New()
	first := uuid.New()

	require.True(t, m.AddPlayer(watcher, "watcher", RoleSpectator))
	require.True(t, m.AddPlayer(first, "first", RoleMember))

	p, ok := m.Player(first)
	require.True(t, ok)
	assert.Equal(t, RoleHost, p.Role)

	p, ok = m.Player(watcher)
	require.True(t, ok)
	assert.Equal(t, RoleSpectator, p.Role)
}

func TestDuplicateJoinRejected(t *testing.T) {
	m := NewStateManager()
	id := uuid.New()

	require.True(t, m.AddPlayer(id, "a", RoleMember))
	assert.False(t, m.AddPlayer(id, "a", RoleMember))
	assert.Equal(t, 1, m.PlayerCount())
}

// Status walks Idle -> SelectingSong -> ReadyToPlay -> InCountdown and a late
// unready cancels the countdown.
func TestStatusLifecycle(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	member := uuid.New()
	m.AddPlayer(host, "host", RoleMember)
	m.AddPlayer(member, "member", RoleMember)

	assert.Equal(t, StatusIdle, m.Status())

	require.True(t, m.TryApplySongSelection(SongSelection{SongID: "song-1"}))
	assert.Equal(t, StatusSelectingSong, m.Status())

	require.True(t, m.TrySetReady(host, true))
	assert.Equal(t, StatusSelectingSong, m.Status())
	require.True(t, m.TrySetReady(member, true))
	assert.Equal(t, StatusReadyToPlay, m.Status())

	require.True(t, m.TryStartCountdown(3))
	assert.Equal(t, StatusInCountdown, m.Status())

	require.True(t, m.TrySetReady(member, false))
	assert.Equal(t, StatusSelectingSong, m.Status())
}

func TestCountdownOnlyFromReadyToPlay(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	m.AddPlayer(host, "host", RoleMember)

	assert.False(t, m.TryStartCountdown(3))

	m.TryApplySongSelection(SongSelection{SongID: "s"})
	assert.False(t, m.TryStartCountdown(3))

	m.TrySetReady(host, true)
	assert.True(t, m.TryStartCountdown(3))
	assert.False(t, m.TryStartCountdown(3))
}

func TestSelectionChangeResetsReadyBits(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	member := uuid.New()
	m.AddPlayer(host, "host", RoleMember)
	m.AddPlayer(member, "member", RoleMember)

	m.TryApplySongSelection(SongSelection{SongID: "first"})
	m.TrySetReady(host, true)
	m.TrySetReady(member, true)
	require.Equal(t, StatusReadyToPlay, m.Status())

	m.TryApplySongSelection(SongSelection{SongID: "second"})
	assert.Equal(t, StatusSelectingSong, m.Status())

	p, _ := m.Player(host)
	assert.False(t, p.Ready)
}

func TestSelectionFiltersAssignments(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	watcher := uuid.New()
	stranger := uuid.New()
	m.AddPlayer(host, "host", RoleMember)
	m.AddPlayer(watcher, "watcher", RoleSpectator)

	ok := m.TryApplySongSelection(SongSelection{
		SongID: "s",
		Assignments: []Assignment{
			{PlayerID: host, Instrument: "guitar", Difficulty: "expert"},
			{PlayerID: host, Instrument: "bass", Difficulty: "expert"}, // duplicate player
			{PlayerID: watcher, Instrument: "drums", Difficulty: "hard"},
			{PlayerID: stranger, Instrument: "vocals", Difficulty: "easy"},
			{PlayerID: host, Instrument: "", Difficulty: "expert"},
		},
	})
	require.True(t, ok)

	sel := m.Selection()
	require.NotNil(t, sel)
	require.Len(t, sel.Assignments, 1)
	assert.Equal(t, host, sel.Assignments[0].PlayerID)
	assert.Equal(t, "guitar", sel.Assignments[0].Instrument)
}

func TestBlankSongIDRejected(t *testing.T) {
	m := NewStateManager()
	m.AddPlayer(uuid.New(), "host", RoleMember)

	assert.False(t, m.TryApplySongSelection(SongSelection{SongID: "   "}))
	assert.Nil(t, m.Selection())
}

func TestSpectatorCannotReady(t *testing.T) {
	m := NewStateManager()
	watcher := uuid.New()
	m.AddPlayer(watcher, "watcher", RoleSpectator)

	assert.False(t, m.TrySetReady(watcher, true))
}

func TestHostPromotionFollowsJoinOrder(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	second := uuid.New()
	third := uuid.New()
	m.AddPlayer(host, "host", RoleMember)
	m.AddPlayer(second, "second", RoleMember)
	m.AddPlayer(third, "third", RoleMember)

	require.True(t, m.RemovePlayer(host))

	p, ok := m.Player(second)
	require.True(t, ok)
	assert.Equal(t, RoleHost, p.Role)

	p, _ = m.Player(third)
	assert.Equal(t, RoleMember, p.Role)
}

func TestLeaveDuringCountdownCancels(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	member := uuid.New()
	m.AddPlayer(host, "host", RoleMember)
	m.AddPlayer(member, "member", RoleMember)
	m.TryApplySongSelection(SongSelection{SongID: "s"})
	m.TrySetReady(host, true)
	m.TrySetReady(member, true)
	require.True(t, m.TryStartCountdown(3))

	var cancelled bool
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventCountdownCancelled {
			cancelled = true
		}
	})

	m.RemovePlayer(member)
	assert.True(t, cancelled)
	assert.NotEqual(t, StatusInCountdown, m.Status())
}

func TestCompleteCountdownKeepsSelection(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	m.AddPlayer(host, "host", RoleMember)
	m.TryApplySongSelection(SongSelection{SongID: "s"})
	m.TrySetReady(host, true)
	require.True(t, m.TryStartCountdown(1))

	require.True(t, m.CompleteCountdown())
	assert.False(t, m.CompleteCountdown())

	require.NotNil(t, m.Selection())
	assert.Equal(t, StatusSelectingSong, m.Status())

	p, _ := m.Player(host)
	assert.False(t, p.Ready)
}

func TestSnapshotOrdering(t *testing.T) {
	m := NewStateManager()
	host := uuid.New()
	m.AddPlayer(host, "zed", RoleMember)
	m.AddPlayer(uuid.New(), "Bravo", RoleMember)
	m.AddPlayer(uuid.New(), "alpha", RoleMember)
	m.AddPlayer(uuid.New(), "watcher", RoleSpectator)

	snap := m.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, host, snap[0].SessionID)
	assert.Equal(t, "alpha", snap[1].DisplayName)
	assert.Equal(t, "Bravo", snap[2].DisplayName)
	assert.Equal(t, "watcher", snap[3].DisplayName)
}
