package pathhelper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "Cafe_deja_vu", SanitizeTitle("Café déjà vu!"))
	assert.Equal(t, "Rick_Astley_-_Never_Gonna_Give_You_Up", SanitizeTitle("Rick Astley - Never Gonna Give You Up"))
	assert.Equal(t, "", SanitizeTitle("日本語"))
	assert.Len(t, SanitizeTitle(strings.Repeat("a", 80)), 50)
}

func TestDeliveryName(t *testing.T) {
	assert.Equal(t, "Demo_Clip_123e4567.mp4", DeliveryName("Demo: Clip", "123e4567-e89b-12d3-a456-426614174000", "mp4"))
	assert.Equal(t, "video_abc.mp3", DeliveryName("???", "abc", ".mp3"))
}

func TestRemoveJobFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"job-a_source.mp4", "job-a_final.mp4", "job-a_source.mp4.part", "job-b_source.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	n, err := RemoveJobFiles(dir, "job-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.FileExists(t, filepath.Join(dir, "job-b_source.mp4"))

	n, err = RemoveJobFiles(dir, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJobPathsDoNotCollide(t *testing.T) {
	assert.NotEqual(t, JobPath("/tmp", "a", "source.mp4"), JobPath("/tmp", "b", "source.mp4"))
	assert.Equal(t, filepath.Join("/tmp", "a_final.mp3"), JobPath("/tmp", "a", "final.mp3"))
}

func TestSweepOlderThan(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old_source.mp4")
	fresh := filepath.Join(dir, "fresh_source.mp4")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))

	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-3*time.Hour), now.Add(-3*time.Hour)))

	n, err := SweepOlderThan(dir, 2*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)

	n, err = SweepOlderThan(filepath.Join(dir, "missing"), time.Hour, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
