package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStateFile_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gvwstate.dat")

	id := uuid.New()
	require.NoError(t, Write(path, id, 4242))

	gotID, gotSeqno, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, int64(4242), gotSeqno)
}

func TestStateFile_Invalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gvwstate.dat")

	require.NoError(t, Write(path, uuid.New(), 100))
	require.NoError(t, Invalidate(path))

	id, seqno, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, uuid.UUID{}, id)
	require.Equal(t, InvalidSeqno, seqno)
}

func TestStateFile_ReadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gvwstate.dat")
	require.NoError(t, os.WriteFile(path, []byte("not-a-valid-line"), 0o644))

	_, _, err := Read(path)
	require.Error(t, err)
}
