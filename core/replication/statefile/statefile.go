// Package statefile persists the node's last-known replication position
// to a single small file across restarts (spec §6), written atomically
// the way the teacher's WAL segment rotation replaces files — write to a
// temp path, then os.Rename into place.
package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sushant-115/gojodb/core/replication/repltypes"
)

// InvalidSeqno is the seqno written alongside the zero UUID when the
// state file is invalidated (spec §6).
const InvalidSeqno int64 = -1

// Write atomically persists "uuid:seqno\n" to path, called on clean
// shutdown.
func Write(path string, id uuid.UUID, seqno int64) error {
	line := fmt.Sprintf("%s:%d\n", id.String(), seqno)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}

// Read parses the persisted "uuid:seqno\n" file, read on startup.
func Read(path string) (uuid.UUID, int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	line := strings.TrimSuffix(strings.TrimSpace(string(raw)), "\n")
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return uuid.UUID{}, 0, repltypes.ErrStateFileCorrupt
	}

	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("%w: %v", repltypes.ErrStateFileCorrupt, err)
	}
	seqno, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("%w: %v", repltypes.ErrStateFileCorrupt, err)
	}
	return id, seqno, nil
}

// Invalidate overwrites path with the all-zero UUID and InvalidSeqno,
// marking the persisted position unusable (spec §6) — used when the
// node detects its on-disk state can no longer be trusted, e.g. after a
// crash mid-apply.
func Invalidate(path string) error {
	return Write(path, uuid.UUID{}, InvalidSeqno)
}

// EnsureDir creates the parent directory of path if it doesn't exist,
// a convenience for first-run startup.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
