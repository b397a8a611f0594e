package migrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/backup"
	"github.com/Oxen-AI/oxen-archive/pkg/config"
	"github.com/Oxen-AI/oxen-archive/pkg/destination"
	"github.com/Oxen-AI/oxen-archive/pkg/repo"
	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

type allowAll struct{ calls int }

func (g *allowAll) CheckBackedUp(context.Context, []string) error {
	g.calls++
	return nil
}

func makeRepo(t *testing.T, syncDir, id string, versions ...string) string {
	t.Helper()
	ns, _, err := backup.SplitRepository(id)
	require.NoError(t, err)
	root := filepath.Join(syncDir, filepath.FromSlash(id))
	require.NoError(t, os.MkdirAll(root, 0o755))
	_, err = repo.Init(root, ns)
	require.NoError(t, err)
	for _, content := range versions {
		path := filepath.Join(versionsDir(root), storage.HashBytes([]byte(content)))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func flatExists(root, content string) bool {
	_, err := os.Stat(filepath.Join(versionsDir(root), storage.HashBytes([]byte(content))))
	return err == nil
}

func newBackupManager(t *testing.T, syncDir string) *backup.Manager {
	t.Helper()
	dest, err := destination.NewLocal(destination.LocalConfig{Root: filepath.Join(t.TempDir(), "dest")})
	require.NoError(t, err)
	ledger, err := backup.OpenLedger(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	cfg := config.BackupConfiguration{SyncDir: syncDir, Prefix: "backups", Workers: 2, RetainBackups: 7}
	cfg.Type = destination.TypeLocal
	return backup.NewManager(cfg, dest, ledger)
}

func TestRegistry(t *testing.T) {
	reg := Builtin()
	names := []string{}
	for _, m := range reg.List() {
		names = append(names, m.Name)
		assert.NotEmpty(t, m.Description)
	}
	assert.Equal(t, []string{"shard-version-files", "stamp-min-version"}, names)

	_, err := reg.Get("drop-everything")
	require.ErrorIs(t, err, ErrUnknownMigration)
}

func TestRun_UnknownMigration(t *testing.T) {
	gate := &allowAll{}
	_, err := NewRunner(Builtin(), gate, t.TempDir()).Run(context.Background(), "nope", []string{"ox/a"})
	require.ErrorIs(t, err, ErrUnknownMigration)
	assert.Zero(t, gate.calls)
}

func TestRun_InvalidRepository(t *testing.T) {
	gate := &allowAll{}
	_, err := NewRunner(Builtin(), gate, t.TempDir()).Run(context.Background(), "stamp-min-version", []string{"../../etc"})
	require.ErrorIs(t, err, backup.ErrInvalidRepository)
	assert.Zero(t, gate.calls)
}

func TestRun_GateAbortsWholeBatch(t *testing.T) {
	ctx := context.Background()
	syncDir := t.TempDir()
	alpha := makeRepo(t, syncDir, "ox/alpha", "one", "two")
	beta := makeRepo(t, syncDir, "ox/beta", "three")

	m := newBackupManager(t, syncDir)
	_, err := m.Backup(ctx, []string{"ox/alpha"})
	require.NoError(t, err)

	runner := NewRunner(Builtin(), m, syncDir)
	_, err = runner.Run(ctx, "shard-version-files", []string{"ox/alpha", "ox/beta"})
	require.ErrorIs(t, err, backup.ErrNotBackedUp)
	assert.Contains(t, err.Error(), "ox/beta")

	assert.True(t, flatExists(alpha, "one"), "nothing is mutated when the gate fails")
	assert.True(t, flatExists(beta, "three"))
	cfg, err := repo.ReadConfig(alpha)
	require.NoError(t, err)
	assert.Empty(t, cfg.Migrations)
}

func TestRun_GateFailsWithoutAnyBackup(t *testing.T) {
	syncDir := t.TempDir()
	alpha := makeRepo(t, syncDir, "ox/alpha", "one")

	runner := NewRunner(Builtin(), newBackupManager(t, syncDir), syncDir)
	_, err := runner.Run(context.Background(), "shard-version-files", []string{"ox/alpha"})
	require.ErrorIs(t, err, backup.ErrNotBackedUp)
	assert.True(t, flatExists(alpha, "one"))
}

func TestRun_ShardVersionFiles(t *testing.T) {
	ctx := context.Background()
	syncDir := t.TempDir()
	makeRepo(t, syncDir, "ox/alpha", "one", "two")
	makeRepo(t, syncDir, "ox/beta", "three")

	m := newBackupManager(t, syncDir)
	_, err := m.Backup(ctx, nil)
	require.NoError(t, err)

	runner := NewRunner(Builtin(), m, syncDir)
	res, err := runner.Run(ctx, "shard-version-files", []string{"ox/alpha", "ox/beta"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ox/alpha", "ox/beta"}, res.Applied)
	assert.Empty(t, res.Skipped)

	local, err := storage.NewLocal(storage.LocalConfig{Root: syncDir})
	require.NoError(t, err)
	defer local.Close()
	for repoName, contents := range map[string][]string{"alpha": {"one", "two"}, "beta": {"three"}} {
		for _, content := range contents {
			key, err := storage.NewKey("ox", repoName, storage.HashBytes([]byte(content)))
			require.NoError(t, err)
			data, err := local.Read(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, content, string(data))
		}
	}

	cfg, err := repo.ReadConfig(filepath.Join(syncDir, "ox", "alpha"))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-version-files"}, cfg.Migrations)

	res, err = runner.Run(ctx, "shard-version-files", []string{"ox/alpha"})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, []string{"ox/alpha"}, res.Skipped)
}

func TestShardVersionFiles_DirectoryEntries(t *testing.T) {
	root := makeRepo(t, t.TempDir(), "ox/alpha")
	id := storage.HashBytes([]byte("chunked"))
	flat := filepath.Join(versionsDir(root), id)
	require.NoError(t, os.MkdirAll(flat, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flat, "data"), []byte("whole"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(flat, "chunk_0"), []byte("part"), 0o644))

	_, err := ShardVersionFiles().Apply(context.Background(), root)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(versionsDir(root), id[:2], id[2:], "chunk_0"))
	require.NoError(t, err)
	assert.Equal(t, "part", string(got))
	assert.NoDirExists(t, flat)
}

func TestShardVersionFiles_NoVersions(t *testing.T) {
	root := makeRepo(t, t.TempDir(), "ox/empty")
	rollback, err := ShardVersionFiles().Apply(context.Background(), root)
	require.NoError(t, err)
	assert.Nil(t, rollback)
}

func TestShardVersionFiles_RollbackRestoresFlatLayout(t *testing.T) {
	root := makeRepo(t, t.TempDir(), "ox/alpha", "one", "two")

	rollback, err := ShardVersionFiles().Apply(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, flatExists(root, "one"))

	require.NoError(t, rollback())
	assert.True(t, flatExists(root, "one"))
	assert.True(t, flatExists(root, "two"))
	entries, err := os.ReadDir(versionsDir(root))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "shard directories are pruned")
}

func TestRun_FailureRollsBackAndHalts(t *testing.T) {
	ctx := context.Background()
	syncDir := t.TempDir()
	for _, id := range []string{"ox/alpha", "ox/beta", "ox/gamma"} {
		makeRepo(t, syncDir, id)
	}

	touch := func(root string) string { return filepath.Join(root, "touched") }
	flaky := Migration{
		Name:        "touch",
		Description: "write a file, failing on beta",
		Apply: func(ctx context.Context, root string) (func() error, error) {
			if err := os.WriteFile(touch(root), []byte("x"), 0o644); err != nil {
				return nil, err
			}
			rollback := func() error { return os.Remove(touch(root)) }
			if filepath.Base(root) == "beta" {
				return rollback, errors.New("disk on fire")
			}
			return rollback, nil
		},
	}

	runner := NewRunner(NewRegistry(flaky), &allowAll{}, syncDir)
	res, err := runner.Run(ctx, "touch", []string{"ox/alpha", "ox/beta", "ox/gamma"})
	require.ErrorContains(t, err, "disk on fire")
	assert.Contains(t, err.Error(), "ox/beta")
	assert.Equal(t, []string{"ox/alpha"}, res.Applied)

	assert.FileExists(t, touch(filepath.Join(syncDir, "ox", "alpha")))
	assert.NoFileExists(t, touch(filepath.Join(syncDir, "ox", "beta")), "failed repository is rolled back")
	assert.NoFileExists(t, touch(filepath.Join(syncDir, "ox", "gamma")), "batch halts")

	cfg, err := repo.ReadConfig(filepath.Join(syncDir, "ox", "beta"))
	require.NoError(t, err)
	assert.False(t, cfg.HasMigration("touch"))
}

func TestRun_MissingMarkerHalts(t *testing.T) {
	syncDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(syncDir, "ox", "bare"), 0o755))

	_, err := NewRunner(Builtin(), &allowAll{}, syncDir).Run(context.Background(), "stamp-min-version", []string{"ox/bare"})
	require.ErrorIs(t, err, repo.ErrNotRepository)
}

func TestStampMinVersion(t *testing.T) {
	ctx := context.Background()
	syncDir := t.TempDir()
	root := makeRepo(t, syncDir, "ox/alpha")
	cfg, err := repo.ReadConfig(root)
	require.NoError(t, err)
	cfg.MinVersion = "0.9.1"
	require.NoError(t, repo.WriteConfig(root, cfg))

	res, err := NewRunner(NewRegistry(StampMinVersion("0.19.0")), &allowAll{}, syncDir).Run(ctx, "stamp-min-version", []string{"ox/alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ox/alpha"}, res.Applied)

	cfg, err = repo.ReadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, "0.19.0", cfg.MinVersion)
	assert.Equal(t, []string{"stamp-min-version"}, cfg.Migrations)

	cfg.MinVersion = "1.0.0"
	require.NoError(t, repo.WriteConfig(root, cfg))
	rollback, err := StampMinVersion("0.19.0").Apply(ctx, root)
	require.NoError(t, err)
	assert.Nil(t, rollback, "a newer version is left alone")
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0.19.0", "0.19.0", 0},
		{"0.9.1", "0.19.0", -1},
		{"1.0", "0.99.99", 1},
		{"1.0", "1.0.0", 0},
		{"", "0.1", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
