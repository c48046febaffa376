package registry

import (
	"testing"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDerivesIDAndRejectsCollision(t *testing.T) {
	r := New(nil)

	id, err := r.Register("/srv/my-project", Options{})
	require.NoError(t, err)
	assert.Contains(t, id, "my-project-")

	_, err = r.Register("/srv/other", Options{ID: id})
	require.Error(t, err)
	assert.Equal(t, apperrors.AlreadyExists, apperrors.KindOf(err))
}

func TestDisableIsSoft(t *testing.T) {
	r := New(nil)
	id, err := r.Register("/srv/p", Options{})
	require.NoError(t, err)

	require.NoError(t, r.Disable(id))
	p, err := r.Get(id)
	require.NoError(t, err)
	assert.False(t, p.Enabled)
}

func TestUnregisterBlocksOnRunningTasksUnlessForced(t *testing.T) {
	r := New(func(id string) int { return 2 })
	id, err := r.Register("/srv/p", Options{})
	require.NoError(t, err)

	err = r.Unregister(id, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.Conflict, apperrors.KindOf(err), "blocked-by-running-tasks is recoverable, not a fatal invariant violation")

	require.NoError(t, r.Unregister(id, true))
	_, err = r.Get(id)
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
}
