package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Tests mutate package variables, so they do not run in parallel.

func withVersion(t *testing.T, v, commit, date string) {
	t.Helper()
	oldV, oldC, oldD := Version, Commit, Date
	Version, Commit, Date = v, commit, date
	t.Cleanup(func() { Version, Commit, Date = oldV, oldC, oldD })
}

func TestSummary(t *testing.T) {
	withVersion(t, "", "", "")
	assert.Equal(t, "dev", Summary())

	withVersion(t, "1.4.0", "abc123", "2024-05-01")
	assert.Equal(t, "1.4.0 (abc123 2024-05-01)", Summary())

	withVersion(t, "1.4.0", "", "2024-05-01")
	assert.Equal(t, "1.4.0 (2024-05-01)", Summary())
}

func TestUpdateAvailable(t *testing.T) {
	withVersion(t, "dev", "", "")
	assert.False(t, UpdateAvailable("9.9.9"))

	withVersion(t, "v1.2.0-beta", "", "")
	assert.True(t, UpdateAvailable("v1.2.0"))
	assert.True(t, UpdateAvailable("1.3.0"))
	assert.False(t, UpdateAvailable("1.1.9"))
}
