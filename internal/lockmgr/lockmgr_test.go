package lockmgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/harrison/bosun/internal/procenum"
)

// fakeLister is an in-memory process table.
type fakeLister struct {
	procs map[int]procenum.ProcessInfo
}

func newFakeLister(procs ...procenum.ProcessInfo) *fakeLister {
	m := make(map[int]procenum.ProcessInfo, len(procs))
	for _, p := range procs {
		m[p.PID] = p
	}
	return &fakeLister{procs: m}
}

func (f *fakeLister) List(ctx context.Context) ([]procenum.ProcessInfo, error) {
	out := make([]procenum.ProcessInfo, 0, len(f.procs))
	for _, p := range f.procs {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeLister) Kill(pid int) error {
	delete(f.procs, pid)
	return nil
}

func (f *fakeLister) Alive(pid int) bool {
	_, ok := f.procs[pid]
	return ok
}

func writeLockFile(t *testing.T, dir string, payload LockFile) {
	t.Helper()
	data, err := json.MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), data, 0644))
}

func TestAcquireFreshDirectory(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil, WithLister(newFakeLister()))

	res, err := m.Acquire()
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	// The written file carries our pid and token.
	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	var payload LockFile
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, os.Getpid(), payload.PID)
	assert.Equal(t, m.Token(), payload.LockToken)
	assert.NotEmpty(t, payload.StartedAt)
}

// Stale lock replacement: dead PID in the lock file is replaced (S1).
func TestAcquireReplacesDeadOwner(t *testing.T) {
	dir := t.TempDir()
	writeLockFile(t, dir, LockFile{
		PID:       2147483647,
		StartedAt: "1999-01-01T00:00:00Z",
		Argv:      []string{"node", "monitor.mjs"},
	})

	m := New(dir, nil, WithLister(newFakeLister()))
	res, err := m.Acquire()
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	var payload LockFile
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, os.Getpid(), payload.PID)
	assert.Equal(t, m.Token(), payload.LockToken)
}

// Live-monitor duplicate: second process observes acquired=false (S2).
func TestAcquireFailsAgainstLiveMonitor(t *testing.T) {
	dir := t.TempDir()
	ownerPID := 4242
	writeLockFile(t, dir, LockFile{
		PID:       ownerPID,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Argv:      []string{"node", "/opt/bosun/monitor.mjs"},
		LockToken: "11111111-1111-1111-1111-111111111111",
	})

	lister := newFakeLister(procenum.ProcessInfo{
		PID:          ownerPID,
		CommandLine:  "node /opt/bosun/monitor.mjs",
		CreationDate: time.Now(),
	})
	m := New(dir, nil, WithLister(lister), WithPID(9999))

	res, err := m.Acquire()
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, ownerPID, res.OwnerPID)
	assert.Contains(t, res.Reason, "another bosun is already running (PID 4242)")
}

func TestDuplicateStartWarningThrottled(t *testing.T) {
	dir := t.TempDir()
	ownerPID := 4242
	writeLockFile(t, dir, LockFile{
		PID:       ownerPID,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Argv:      []string{"node", "monitor.mjs"},
	})
	lister := newFakeLister(procenum.ProcessInfo{
		PID:          ownerPID,
		CommandLine:  "node /opt/bosun/monitor.mjs",
		CreationDate: time.Now(),
	})

	now := time.Now()
	m := New(dir, nil, WithLister(lister), WithPID(9999), WithClock(func() time.Time { return now }))

	// First failure logs; two repeats within the window are suppressed.
	for i := 0; i < 3; i++ {
		res, err := m.Acquire()
		require.NoError(t, err)
		require.False(t, res.Acquired)
	}

	data, err := os.ReadFile(filepath.Join(dir, WarnStateFileName))
	require.NoError(t, err)
	var state warnState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, ownerPID, state.PID)
	assert.Equal(t, 2, state.Suppressed)

	// Past the window, the counter resets after the next emission.
	now = now.Add(2 * time.Minute)
	res, err := m.Acquire()
	require.NoError(t, err)
	require.False(t, res.Acquired)

	data, err = os.ReadFile(filepath.Join(dir, WarnStateFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Zero(t, state.Suppressed)
}

func TestAcquireReplacesReusedPID(t *testing.T) {
	dir := t.TempDir()
	ownerPID := 555
	writeLockFile(t, dir, LockFile{
		PID:       ownerPID,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Argv:      []string{"node", "monitor.mjs"},
	})

	// The PID is alive but belongs to an unrelated process.
	lister := newFakeLister(procenum.ProcessInfo{
		PID:         ownerPID,
		CommandLine: "postgres: checkpointer",
	})
	m := New(dir, nil, WithLister(lister), WithPID(9999))

	res, err := m.Acquire()
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestAcquireReentrant(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil, WithLister(newFakeLister()))

	res, err := m.Acquire()
	require.NoError(t, err)
	require.True(t, res.Acquired)

	res, err = m.Acquire()
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestAcquireLegacyBareIntFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), []byte("12345\n"), 0644))

	// PID 12345 is dead: the legacy file is replaced with JSON.
	m := New(dir, nil, WithLister(newFakeLister()))
	res, err := m.Acquire()
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	var payload LockFile
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, m.Token(), payload.LockToken)
}

func TestAcquireReplacesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), []byte("{not json"), 0644))

	m := New(dir, nil, WithLister(newFakeLister()))
	res, err := m.Acquire()
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestReleaseOnlyWhenOwner(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil, WithLister(newFakeLister()))

	res, err := m.Acquire()
	require.NoError(t, err)
	require.True(t, res.Acquired)

	// Another process replaced the file meanwhile.
	writeLockFile(t, dir, LockFile{
		PID:       777,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		LockToken: "22222222-2222-2222-2222-222222222222",
	})

	m.Release()

	// The foreign lock file must survive.
	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.NoError(t, err)
}

func TestReleaseRemovesOwnLock(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil, WithLister(newFakeLister()))

	res, err := m.Acquire()
	require.NoError(t, err)
	require.True(t, res.Acquired)

	m.Release()

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil, WithLister(newFakeLister()))

	info, err := m.Status()
	require.NoError(t, err)
	assert.False(t, info.Exists)

	res, err := m.Acquire()
	require.NoError(t, err)
	require.True(t, res.Acquired)

	info, err = m.Status()
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.True(t, info.Self)
}

// Property: unknown-owner monitor assumption holds iff the argv is
// monitor-like and the start time is unparseable or within 3 minutes of now.
func TestShouldAssumeMonitorForUnknownOwnerProperty(t *testing.T) {
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := New(t.TempDir(), nil,
		WithLister(newFakeLister()),
		WithClock(func() time.Time { return base }))

	rapid.Check(t, func(t *rapid.T) {
		monitorArgv := rapid.Bool().Draw(t, "monitorArgv")
		unparseable := rapid.Bool().Draw(t, "unparseable")
		ageSec := rapid.IntRange(0, 600).Draw(t, "ageSec")

		payload := &LockFile{PID: 1}
		if monitorArgv {
			payload.Argv = []string{"node", "bosun/monitor.mjs"}
		} else {
			payload.Argv = []string{"bash", "-c", "sleep 1"}
		}
		if unparseable {
			payload.StartedAt = "not-a-time"
		} else {
			payload.StartedAt = base.Add(-time.Duration(ageSec) * time.Second).Format(time.RFC3339)
		}

		want := monitorArgv && (unparseable || ageSec <= 180)
		assert.Equal(t, want, m.ShouldAssumeMonitorForUnknownOwner(payload))
	})
}

func TestForceRelease(t *testing.T) {
	dir := t.TempDir()
	writeLockFile(t, dir, LockFile{
		PID:       2147483647,
		StartedAt: "1999-01-01T00:00:00Z",
	})

	m := New(dir, nil, WithLister(newFakeLister()))
	require.NoError(t, m.ForceRelease())

	_, err := os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))
}
