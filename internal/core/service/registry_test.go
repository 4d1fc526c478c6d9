package service

import (
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndMembers(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	_, err := r.Register("s1", "b", domain.RoleInitiator, now)
	require.NoError(t, err)
	_, err = r.Register("s1", "a", domain.RoleRespondent, now)
	require.NoError(t, err)

	members := r.Members("s1")
	require.Len(t, members, 2)
	assert.Equal(t, domain.ParticipantID("b"), members[0].ID)
	assert.Equal(t, domain.ParticipantID("a"), members[1].ID)
	assert.Equal(t, 2, r.Count("s1"))
	assert.Equal(t, 0, r.Count("s2"))
}

func TestRegistry_OneSessionPerParticipant(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("s1", "a", domain.RoleInitiator, time.Now())
	require.NoError(t, err)

	_, err = r.Register("s1", "a", domain.RoleInitiator, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = r.Register("s2", "a", domain.RoleInitiator, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("s1", "a", domain.RoleInitiator, time.Now())
	require.NoError(t, err)

	p, err := r.Unregister("a")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s1"), p.SessionID)
	assert.Empty(t, r.Members("s1"))

	_, err = r.Unregister("a")
	assert.ErrorIs(t, err, domain.ErrUnknownParticipant)
}

func TestRegistry_SetMediaState(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("s1", "a", domain.RoleInitiator, time.Now())
	require.NoError(t, err)

	off := false
	p, changed, err := r.SetMediaState("a", domain.MediaPatch{AudioEnabled: &off})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.MediaState{AudioEnabled: false, VideoEnabled: true}, p.Media)

	_, changed, err = r.SetMediaState("a", domain.MediaPatch{AudioEnabled: &off})
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = r.SetMediaState("b", domain.MediaPatch{AudioEnabled: &off})
	assert.ErrorIs(t, err, domain.ErrUnknownParticipant)
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	for _, id := range []domain.ParticipantID{"a", "b"} {
		_, err := r.Register("s1", id, domain.RoleRespondent, time.Now())
		require.NoError(t, err)
	}
	_, err := r.Register("s2", "c", domain.RoleInitiator, time.Now())
	require.NoError(t, err)

	cleared := r.Clear("s1")
	assert.Len(t, cleared, 2)
	assert.Equal(t, 0, r.Count("s1"))

	_, ok := r.Lookup("a")
	assert.False(t, ok)
	_, ok = r.Lookup("c")
	assert.True(t, ok)
}
