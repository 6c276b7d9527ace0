package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRepositoryWritesJSON(t *testing.T) {
	dir := t.TempDir()
	repo, err := New(Options{Directory: dir, Filename: "offlinecache.log"})
	require.NoError(t, err)

	repo.Debug("hidden", nil)
	repo.Info("Request served", map[string]interface{}{"status": 200, "source": "cache"})
	repo.Error("Install error", errors.New("boom"), map[string]interface{}{"version": "v2"})
	require.NoError(t, repo.Close())

	lines := readLines(t, filepath.Join(dir, "offlinecache.log"))
	require.Len(t, lines, 2)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "Request served", lines[0]["msg"])
	assert.Equal(t, "cache", lines[0]["source"])
	assert.EqualValues(t, 200, lines[0]["status"])
	assert.Contains(t, lines[0], "timestamp")
	assert.Contains(t, lines[0], "caller")

	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.Equal(t, "v2", lines[1]["version"])
}

func TestRepositoryLevel(t *testing.T) {
	dir := t.TempDir()
	repo, err := New(Options{Directory: dir, Filename: "offlinecache.log", Level: "warn"})
	require.NoError(t, err)

	repo.Info("ignored", nil)
	repo.Warn("Network request failed, falling back to cache", nil)
	require.NoError(t, repo.Close())

	lines := readLines(t, filepath.Join(dir, "offlinecache.log"))
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
}

func TestRepositoryRotate(t *testing.T) {
	dir := t.TempDir()
	repo, err := New(Options{
		Directory: dir,
		Filename:  "offlinecache.log",
		Rotation:  &RotationConfig{MaxSize: 1},
	})
	require.NoError(t, err)

	repo.Info("Installing", map[string]interface{}{"version": "v1"})
	require.NoError(t, repo.Rotate())
	repo.Info("Version activated", map[string]interface{}{"version": "v1"})
	require.NoError(t, repo.Close())

	backups, err := filepath.Glob(filepath.Join(dir, "offlinecache-*.log"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	old := readLines(t, backups[0])
	require.Len(t, old, 1)
	assert.Equal(t, "Installing", old[0]["msg"])

	current := readLines(t, filepath.Join(dir, "offlinecache.log"))
	require.Len(t, current, 1)
	assert.Equal(t, "Version activated", current[0]["msg"])
}

func TestRepositoryRotateKeepsMaxBackups(t *testing.T) {
	dir := t.TempDir()
	repo, err := New(Options{
		Directory: dir,
		Filename:  "offlinecache.log",
		Rotation:  &RotationConfig{MaxSize: 1, MaxBackups: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	for i := 0; i < 4; i++ {
		repo.Info("Caching app shell", map[string]interface{}{"assets": i})
		require.NoError(t, repo.Rotate())
		// バックアップ名はミリ秒単位
		time.Sleep(2 * time.Millisecond)
	}

	// 古いバックアップの削除は非同期に行われる
	assert.Eventually(t, func() bool {
		backups, err := filepath.Glob(filepath.Join(dir, "offlinecache-*.log"))
		return err == nil && len(backups) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestFromZapRotateIsNoop(t *testing.T) {
	assert.NoError(t, FromZap(zap.NewNop()).Rotate())
}

func TestDefaultRotationConfig(t *testing.T) {
	config := DefaultRotationConfig()

	assert.Equal(t, 100, config.MaxSize)
	assert.Equal(t, 7, config.MaxAge)
	assert.Equal(t, 5, config.MaxBackups)
	assert.True(t, config.Compress)
}
