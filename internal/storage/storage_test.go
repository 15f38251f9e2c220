package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedagent/internal/task"
	"feedagent/internal/task/scheduler"
	logx "feedagent/pkg/logx"
)

func sampleState(at time.Time) State {
	return State{
		Version: StateVersion,
		SavedAt: at,
		Jobs: []scheduler.JobRecord{
			{
				Spec: scheduler.JobSpec{
					Name:       "collect-news",
					Cron:       "*/15 * * * *",
					Handler:    "collect",
					Args:       []any{"news"},
					Enabled:    true,
					MaxRetries: 2,
					Timeout:    30 * time.Second,
					Priority:   task.High,
					Metadata:   map[string]string{"source": "rss"},
				},
				LastRun:      at.Add(-15 * time.Minute),
				RunCount:     7,
				SuccessCount: 6,
				FailureCount: 1,
			},
		},
		Tasks: []task.Record{
			{
				ID:          "tsk_1",
				Name:        "collect-news",
				Priority:    task.High,
				State:       task.Success,
				Metadata:    map[string]string{task.MetaJob: "collect-news"},
				CreatedAt:   at.Add(-time.Minute),
				StartedAt:   at.Add(-time.Minute),
				CompletedAt: at.Add(-50 * time.Second),
				ExecTime:    10 * time.Second,
			},
		},
	}
}

func assertSameState(t *testing.T, want, got State) {
	t.Helper()
	require.Len(t, got.Jobs, len(want.Jobs))
	require.Len(t, got.Tasks, len(want.Tasks))
	assert.True(t, want.SavedAt.Equal(got.SavedAt))

	wj, gj := want.Jobs[0], got.Jobs[0]
	assert.Equal(t, wj.Spec.Name, gj.Spec.Name)
	assert.Equal(t, wj.Spec.Cron, gj.Spec.Cron)
	assert.Equal(t, wj.Spec.Handler, gj.Spec.Handler)
	assert.Equal(t, wj.Spec.Priority, gj.Spec.Priority)
	assert.Equal(t, wj.Spec.Timeout, gj.Spec.Timeout)
	assert.Equal(t, wj.Spec.Metadata, gj.Spec.Metadata)
	assert.Equal(t, wj.RunCount, gj.RunCount)
	assert.Equal(t, wj.FailureCount, gj.FailureCount)
	assert.True(t, wj.LastRun.Equal(gj.LastRun))

	wt, gt := want.Tasks[0], got.Tasks[0]
	assert.Equal(t, wt.ID, gt.ID)
	assert.Equal(t, wt.State, gt.State)
	assert.Equal(t, wt.ExecTime, gt.ExecTime)
	assert.Equal(t, "collect-news", gt.Job())
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(context.Background(), Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestFileStoreStateRoundTrip(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for _, name := range []string{"state.json", "state.msgpack"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "data", name)
			st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			_, err = st.LoadState(ctx)
			require.ErrorIs(t, err, ErrNotFound)

			want := sampleState(at)
			require.NoError(t, st.SaveState(ctx, want))
			_, err = os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err))

			got, err := st.LoadState(ctx)
			require.NoError(t, err)
			assertSameState(t, want, got)
		})
	}
}

func TestFileStoreJSONIsReadable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.SaveState(ctx, sampleState(time.Now())))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Contains(t, doc, "jobs")
	assert.Contains(t, doc, "tasks")
	assert.Contains(t, string(b), `"priority": "high"`)
}

func TestFileStoreAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "agent.json")}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "job.run", Target: "collect-news", OK: true}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "task.cancel", Target: "tsk_1", Error: "not found"}))
	require.NoError(t, st.Close())

	f, err := os.Open(filepath.Join(dir, "agent.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var lines []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "job.run", lines[0].Action)
	assert.False(t, lines[0].At.IsZero())
	assert.Equal(t, "not found", lines[1].Error)

	assert.Error(t, st.AppendAudit(ctx, AuditEntry{Action: "late"}))
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")
	st, err := Open(ctx, Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.LoadState(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	want := sampleState(at)
	require.NoError(t, st.SaveState(ctx, want))
	got, err := st.LoadState(ctx)
	require.NoError(t, err)
	assertSameState(t, want, got)

	// A second save replaces rather than accumulates.
	want.Jobs = nil
	want.SavedAt = at.Add(time.Minute)
	require.NoError(t, st.SaveState(ctx, want))
	got, err = st.LoadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Jobs)
	assert.Len(t, got.Tasks, 1)
	assert.True(t, got.SavedAt.Equal(want.SavedAt))

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "job.enable", Target: "collect-news", OK: true, Meta: map[string]string{"by": "admin"}}))
}

func TestFormatOf(t *testing.T) {
	t.Parallel()
	f, err := formatOf("", "x/state.msgpack")
	require.NoError(t, err)
	assert.Equal(t, formatMsgpack, f)

	f, err = formatOf("", "x/state.bin")
	require.NoError(t, err)
	assert.Equal(t, formatJSON, f)

	f, err = formatOf("MsgPack", "x/state.json")
	require.NoError(t, err)
	assert.Equal(t, formatMsgpack, f)

	_, err = formatOf("xml", "")
	assert.Error(t, err)
}

func TestAuditKey(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 10, 2, 3, 4000, time.FixedZone("X", 3600))
	k := auditKey("feedagent/state.json", at, 12)
	assert.Equal(t, "feedagent/audit/2024/05/01/090203.000004000-000012.json", k)
	assert.True(t, strings.HasPrefix(auditKey("state.json", at, 1), "audit/"))
}

func TestOpenS3RequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "s3"}, logx.Nop())
	assert.ErrorContains(t, err, "bucket")
}
