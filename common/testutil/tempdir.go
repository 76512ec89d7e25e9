// Package testutil holds small fixtures shared by the btree package's tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

// TempDir returns a fresh directory for a persistent-pool test fixture.
// It layers a uuid suffix under t.TempDir() so tests that spin up many
// pools in the same sub-test (table-driven crash/recovery cases) never
// collide on a shared file path.
func TempDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), uuid.NewString())
	return dir
}
