package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetThenVerifySucceeds(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("/dev/loop0", "hunter2"))
	assert.NoError(t, s.Verify("/dev/loop0", "hunter2"))
}

func TestVerifyWrongPasswordFails(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("/dev/loop0", "hunter2"))
	assert.ErrorIs(t, s.Verify("/dev/loop0", "wrong"), ErrWrongCredentials)
}

func TestVerifyUnknownDeviceFails(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.Verify("/dev/missing", "anything"), ErrWrongCredentials)
}

func TestDeleteRemovesCredential(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("/dev/loop0", "hunter2"))
	s.Delete("/dev/loop0")
	assert.ErrorIs(t, s.Verify("/dev/loop0", "hunter2"), ErrWrongCredentials)
}

func TestSetOverwritesExistingCredential(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("/dev/loop0", "first"))
	require.NoError(t, s.Set("/dev/loop0", "second"))
	assert.ErrorIs(t, s.Verify("/dev/loop0", "first"), ErrWrongCredentials)
	assert.NoError(t, s.Verify("/dev/loop0", "second"))
}
