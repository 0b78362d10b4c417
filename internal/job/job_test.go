package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/islerun/internal/archive"
	"github.com/loykin/islerun/internal/env"
	"github.com/loykin/islerun/internal/history"
	"github.com/loykin/islerun/internal/history/sqlite"
	"github.com/loykin/islerun/internal/launcher"
	"github.com/loykin/islerun/internal/process"
)

var fixedNow = time.Date(2026, time.October, 19, 14, 5, 30, 0, time.Local)

type fakeRunner struct {
	mu    sync.Mutex
	argv  [][]string
	exits map[int]error
}

func (f *fakeRunner) Run(_ context.Context, spec process.Spec, _ []string) (process.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := len(f.argv)
	f.argv = append(f.argv, spec.Argv())
	st := process.Status{Name: spec.Name, PID: 500 + id, StartedAt: fixedNow, StoppedAt: fixedNow.Add(time.Second)}
	err := f.exits[id]
	switch {
	case errors.Is(err, process.ErrStart):
		st.PID, st.ExitCode = 0, -1
	case err != nil:
		st.ExitCode = 4
	}
	return st, err
}

func seedData(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range archive.DefaultFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testSpec(dir string) Spec {
	s := DefaultSpec()
	s.Archive.DataDir = dir
	s.Launch.DataDir = dir
	s.SampleInterval = -1
	return s
}

func TestRunArchivesThenLaunches(t *testing.T) {
	dir := seedData(t)
	store, err := sqlite.New("sqlite://:memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	runner := &fakeRunner{}
	j, err := New(testSpec(dir),
		WithRunner(runner),
		WithSink(store),
		WithClock(func() time.Time { return fixedNow }),
		WithEnv(env.Isolated()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidRunID(j.ID()) {
		t.Fatalf("run id %q is not a ULID", j.ID())
	}

	sum, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Phase != PhaseSucceeded || sum.ExitCode != 0 || j.Phase() != PhaseSucceeded {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.Archived != len(archive.DefaultFiles) || sum.ArchiveFailed != 0 {
		t.Fatalf("archived %d failed %d", sum.Archived, sum.ArchiveFailed)
	}
	for _, name := range archive.DefaultFiles {
		if _, err := os.Stat(filepath.Join(dir, name+"_2026_Oct_19_14_05")); err != nil {
			t.Fatalf("archive of %s missing: %v", name, err)
		}
	}
	want := []string{
		"python start.py --abce 0 --replicid 0",
		"python start.py --abce 0 --replicid 1",
		"python start.py --abce 0 --replicid 2",
	}
	if len(runner.argv) != len(want) {
		t.Fatalf("expected %d invocations, got %d", len(want), len(runner.argv))
	}
	for i, argv := range runner.argv {
		if strings.Join(argv, " ") != want[i] {
			t.Fatalf("call %d = %q, want %q", i, strings.Join(argv, " "), want[i])
		}
	}

	events, err := store.List(context.Background(), history.Query{RunID: j.ID()})
	if err != nil {
		t.Fatal(err)
	}
	// run_start + 8 archive + 3*(start, exit) + run_end
	if len(events) != 1+8+6+1 {
		t.Fatalf("recorded %d events", len(events))
	}
	if events[0].Type != history.EventRunStart || events[len(events)-1].Type != history.EventRunEnd {
		t.Fatalf("unexpected first/last events: %s %s", events[0].Type, events[len(events)-1].Type)
	}
	exits, err := store.List(context.Background(), history.Query{RunID: j.ID(), Type: history.EventReplicaExit})
	if err != nil || len(exits) != 3 {
		t.Fatalf("replica exits: %v %d", err, len(exits))
	}
	for i, e := range exits {
		if e.ReplicaID != i || e.Status != string(launcher.StatusSucceeded) || e.PID != 500+i {
			t.Fatalf("exit event %d: %+v", i, e)
		}
	}
}

func TestRunArchiveCompletesBeforeLaunch(t *testing.T) {
	dir := seedData(t)
	var seen []bool
	runner := launcher.RunnerFunc(func(_ context.Context, spec process.Spec, _ []string) (process.Status, error) {
		_, err := os.Stat(filepath.Join(dir, archive.DefaultFiles[len(archive.DefaultFiles)-1]))
		seen = append(seen, errors.Is(err, os.ErrNotExist))
		return process.Status{Name: spec.Name, PID: 1}, nil
	})
	j, err := New(testSpec(dir), WithRunner(runner), WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 launches, got %d", len(seen))
	}
	for i, archived := range seen {
		if !archived {
			t.Fatalf("replica %d ran before the last file was archived", i)
		}
	}
}

func TestExitPolicies(t *testing.T) {
	cases := []struct {
		name   string
		policy ExitPolicy
		exits  map[int]error
		want   int
		phase  Phase
	}{
		{"last succeeds despite earlier failure", ExitLast, map[int]error{0: process.ErrExit}, 0, PhaseSucceeded},
		{"last child failure", ExitLast, map[int]error{2: process.ErrExit}, 4, PhaseFailed},
		{"last launch failure", ExitLast, map[int]error{2: process.ErrStart}, ExitLaunchFailed, PhaseFailed},
		{"any fails on first replica", ExitAny, map[int]error{0: process.ErrExit}, 1, PhaseFailed},
		{"any all good", ExitAny, nil, 0, PhaseSucceeded},
		{"never", ExitNever, map[int]error{0: process.ErrStart, 1: process.ErrExit, 2: process.ErrExit}, 0, PhaseSucceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := testSpec(seedData(t))
			spec.ExitPolicy = tc.policy
			j, err := New(spec, WithRunner(&fakeRunner{exits: tc.exits}), WithClock(func() time.Time { return fixedNow }))
			if err != nil {
				t.Fatal(err)
			}
			sum, err := j.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if sum.ExitCode != tc.want || sum.Phase != tc.phase {
				t.Fatalf("exit %d phase %s, want %d %s", sum.ExitCode, sum.Phase, tc.want, tc.phase)
			}
		})
	}
}

func TestExitAnyCountsMissingFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	spec := testSpec(dir)
	spec.ExitPolicy = ExitAny
	j, err := New(spec, WithRunner(&fakeRunner{}))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := j.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.ArchiveFailed != len(archive.DefaultFiles) || sum.ExitCode != 1 {
		t.Fatalf("unexpected summary: archive_failed=%d exit=%d", sum.ArchiveFailed, sum.ExitCode)
	}
	if sum.ReplicasSucceeded != 3 {
		t.Fatalf("launch must run after failed renames, got %d", sum.ReplicasSucceeded)
	}
}

func TestRunDataDirIsFile(t *testing.T) {
	root := t.TempDir()
	data := filepath.Join(root, "data")
	if err := os.WriteFile(data, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	j, err := New(testSpec(data), WithRunner(runner))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := j.Run(context.Background())
	if !errors.Is(err, launcher.ErrDataDir) {
		t.Fatalf("expected ErrDataDir, got %v", err)
	}
	if len(runner.argv) != 0 || sum.Phase != PhaseFailed || sum.ExitCode != 1 {
		t.Fatalf("unexpected: calls=%d summary=%+v", len(runner.argv), sum)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := launcher.RunnerFunc(func(ctx context.Context, spec process.Spec, _ []string) (process.Status, error) {
		cancel()
		return process.Status{Name: spec.Name}, fmt.Errorf("%s: %w", spec.Name, ctx.Err())
	})
	j, err := New(testSpec(seedData(t)), WithRunner(runner))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := j.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !sum.Canceled || len(sum.Replicas) != 1 || sum.Replicas[0].Status != launcher.StatusCanceled {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	dir := seedData(t)
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	spec := testSpec(dir)
	spec.DryRun = true
	runner := &fakeRunner{}
	j, err := New(spec, WithRunner(runner), WithSink(store))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := j.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runner.argv) != 0 {
		t.Fatalf("dry run launched %d replicas", len(runner.argv))
	}
	if sum.Archive.Count(archive.StatusPlanned) != len(archive.DefaultFiles) {
		t.Fatalf("expected planned renames: %+v", sum.Archive)
	}
	for _, name := range archive.DefaultFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("dry run moved %s", name)
		}
	}
	if events, _ := store.List(context.Background(), history.Query{}); len(events) != 0 {
		t.Fatalf("dry run recorded %d events", len(events))
	}
}

func TestSkipPhases(t *testing.T) {
	dir := seedData(t)
	spec := testSpec(dir)
	spec.SkipLaunch = true
	runner := &fakeRunner{}
	j, err := New(spec, WithRunner(runner), WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(runner.argv) != 0 {
		t.Fatal("launch ran although skipped")
	}

	spec = testSpec(seedData(t))
	spec.SkipArchive = true
	j, err = New(spec, WithRunner(runner))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := j.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Archive.Results) != 0 || len(runner.argv) != 3 {
		t.Fatalf("unexpected: archive=%d calls=%d", len(sum.Archive.Results), len(runner.argv))
	}
}

func TestRunTwiceFails(t *testing.T) {
	j, err := New(testSpec(seedData(t)), WithRunner(&fakeRunner{}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Run(context.Background()); err == nil {
		t.Fatal("expected error on second Run")
	}
}

func TestSpecValidate(t *testing.T) {
	s := DefaultSpec()
	if err := s.Validate(); err != nil {
		t.Fatalf("default spec invalid: %v", err)
	}
	bad := DefaultSpec()
	bad.ExitPolicy = "sometimes"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected exit policy error")
	}
	bad = DefaultSpec()
	bad.SkipArchive, bad.SkipLaunch = true, true
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error when everything is skipped")
	}
	bad = DefaultSpec()
	bad.Launch.Process.Command = ""
	if _, err := New(bad); err == nil {
		t.Fatal("New must validate")
	}
}

func TestRunIDsAreUniqueAndOrdered(t *testing.T) {
	a, err := NewRunID(fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewRunID(fixedNow.Add(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if a == b || a > b {
		t.Fatalf("run ids not ordered: %s %s", a, b)
	}
	if ValidRunID("not-a-ulid") {
		t.Fatal("accepted invalid id")
	}
}
