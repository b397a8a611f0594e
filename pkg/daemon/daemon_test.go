package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/backup"
)

type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	backupErr error
}

func (f *fakeRunner) Backup(_ context.Context, repos []string) (*backup.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "backup")
	if f.backupErr != nil {
		return nil, f.backupErr
	}
	return &backup.Run{ID: "2026-03-01T03-00-00Z", Verified: []string{"ox/a"}}, nil
}

func (f *fakeRunner) Cleanup(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cleanup")
	return []string{"2026-02-01T03-00-00Z"}, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestParseCronSchedule(t *testing.T) {
	require.NoError(t, ParseCronSchedule("0 3 * * *"))
	require.NoError(t, ParseCronSchedule("@daily"))
	require.Error(t, ParseCronSchedule("0 3 * *"))
	require.Error(t, ParseCronSchedule("every night"))
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New("61 * * * *", &fakeRunner{})
	require.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	runner := &fakeRunner{}
	d, err := New("0 3 * * *", runner)
	require.NoError(t, err)

	require.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, []string{"backup", "cleanup"}, runner.Calls())
}

func TestRunOnce_BackupFailureSkipsCleanup(t *testing.T) {
	runner := &fakeRunner{backupErr: errors.New("marker missing")}
	d, err := New("0 3 * * *", runner)
	require.NoError(t, err)

	err = d.RunOnce(context.Background())
	require.ErrorContains(t, err, "marker missing")
	assert.Equal(t, []string{"backup"}, runner.Calls())
}

func TestStart_RunsOnSchedule(t *testing.T) {
	runner := &fakeRunner{}
	d, err := New("@every 1s", runner)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 2 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"backup", "cleanup"}, runner.Calls()[:2])
}

func TestMetricsEndpoint(t *testing.T) {
	d, err := New("0 3 * * *", &fakeRunner{}, WithMetrics("127.0.0.1:0"))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	addr := d.MetricsAddr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	d.Stop()
	_, err = http.Get("http://" + addr + "/metrics")
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	d, err := New("0 3 * * *", &fakeRunner{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	var out bytes.Buffer
	err := Validate(context.Background(), &out, []Check{
		ScheduleCheck("0 3 * * *"),
		DirectoryCheck("sync directory", dir, true),
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "All validation checks passed")
	assert.NoFileExists(t, filepath.Join(dir, ".oxen-archive-test"))

	out.Reset()
	ran := false
	err = Validate(context.Background(), &out, []Check{
		DirectoryCheck("sync directory", file, false),
		{Name: "never", Run: func(context.Context) error { ran = true; return nil }},
	})
	require.ErrorContains(t, err, "not a directory")
	assert.False(t, ran, "validation stops at the first failure")
	assert.Contains(t, out.String(), "❌ sync directory")

	require.ErrorContains(t, ValidateDirectory(filepath.Join(dir, "missing"), false), "does not exist")
}
