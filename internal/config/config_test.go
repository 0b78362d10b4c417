package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/islerun/internal/archive"
	"github.com/loykin/islerun/internal/job"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadWithoutFileMatchesReferenceRun(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec := cfg.JobSpec()
	if spec.Archive.DataDir != "data" || len(spec.Archive.Files) != 8 {
		t.Fatalf("unexpected archive spec: %+v", spec.Archive)
	}
	for i, f := range archive.DefaultFiles {
		if spec.Archive.Files[i] != f {
			t.Fatalf("file %d = %q, want %q", i, spec.Archive.Files[i], f)
		}
	}
	if spec.Archive.SuffixFormat != "%Y_%h_%d_%H_%M" || spec.Archive.Mode != archive.ModeBatch {
		t.Fatalf("unexpected suffix settings: %+v", spec.Archive)
	}
	argv := spec.Launch.ReplicaSpec(2)
	if got := strings.Join(argv.Argv(), " "); got != "python start.py --abce 0 --replicid 2" {
		t.Fatalf("replica argv = %q", got)
	}
	if spec.Launch.Replicas != 3 || spec.ExitPolicy != job.ExitLast {
		t.Fatalf("unexpected launch defaults: replicas=%d policy=%s", spec.Launch.Replicas, spec.ExitPolicy)
	}
	if !cfg.Launch.UseOSEnv || cfg.Launch.Timeout != 0 {
		t.Fatalf("unexpected launch env/timeout: %+v", cfg.Launch)
	}
}

func TestLoadTOMLFull(t *testing.T) {
	p := writeConfig(t, "islerun.toml", `
data_dir = "out"
exit_policy = "any"

[archive]
files = ["a.dat", "b.dat"]
suffix_format = "%Y%m%d"
timestamp_mode = "per_file"

[launch]
command = "./sim"
args = ["--quiet"]
replicas = 5
abce = 2
replica_flag = "--replica"
timeout = "90s"
grace_period = "2s"
env = ["A=1"]

[log]
level = "debug"
format = "json"
color = false
dir = "logs"

[history]
dsn = "sqlite://history.db"

[metrics]
listen = ":9090"
sample_interval = "250ms"

[server]
listen = "127.0.0.1:8081"
base_path = "/v1"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec := cfg.JobSpec()
	if spec.Archive.DataDir != "out" || len(spec.Archive.Files) != 2 || spec.Archive.Mode != archive.ModePerFile || spec.Archive.SuffixFormat != "%Y%m%d" {
		t.Fatalf("unexpected archive: %+v", spec.Archive)
	}
	if spec.ExitPolicy != job.ExitAny {
		t.Fatalf("policy = %s", spec.ExitPolicy)
	}
	if got := strings.Join(spec.Launch.ReplicaSpec(4).Argv(), " "); got != "./sim --quiet --abce 2 --replica 4" {
		t.Fatalf("argv = %q", got)
	}
	if spec.Launch.Replicas != 5 || spec.Launch.Process.Timeout != 90*time.Second || spec.Launch.Process.GracePeriod != 2*time.Second {
		t.Fatalf("unexpected launch: %+v", spec.Launch)
	}
	if spec.SampleInterval != 250*time.Millisecond {
		t.Fatalf("sample interval = %v", spec.SampleInterval)
	}
	lc := cfg.LoggerConfig()
	if lc.Slog.Level != "debug" || lc.Slog.Format != "json" || lc.Slog.Color || lc.File.Dir != "logs" {
		t.Fatalf("unexpected logger config: %+v", lc)
	}
	if spec.Launch.Process.Log.File.Dir != "logs" {
		t.Fatal("replica log dir not propagated")
	}
	if cfg.History.DSN != "sqlite://history.db" || cfg.Metrics.Listen != ":9090" || cfg.Server.BasePath != "/v1" {
		t.Fatalf("unexpected sections: %+v %+v %+v", cfg.History, cfg.Metrics, cfg.Server)
	}
}

func TestLoadYAMLByExtension(t *testing.T) {
	p := writeConfig(t, "islerun.yaml", `
launch:
  command: "python3 start.py"
  replicas: 1
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Launch.Command != "python3 start.py" || cfg.Launch.Replicas != 1 {
		t.Fatalf("unexpected launch: %+v", cfg.Launch)
	}
	if cfg.DataDir != "data" {
		t.Fatalf("defaults lost: %q", cfg.DataDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ISLERUN_LAUNCH_REPLICAS", "7")
	t.Setenv("ISLERUN_EXIT_POLICY", "never")
	t.Setenv("ISLERUN_DATA_DIR", "elsewhere")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Launch.Replicas != 7 || cfg.ExitPolicy != "never" || cfg.DataDir != "elsewhere" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if d := Default(); d.Launch.Replicas != 3 {
		t.Fatalf("Default must ignore the environment, got %d", d.Launch.Replicas)
	}
}

func TestWorkDirResolvesDataDir(t *testing.T) {
	p := writeConfig(t, "c.toml", `
[launch]
work_dir = "/srv/sim"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	spec := cfg.JobSpec()
	want := filepath.Join("/srv/sim", "data")
	if spec.Archive.DataDir != want || spec.Launch.DataDir != want {
		t.Fatalf("data dir not resolved: %q %q", spec.Archive.DataDir, spec.Launch.DataDir)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"bad policy":     `exit_policy = "sometimes"`,
		"bad mode":       "[archive]\ntimestamp_mode = \"hourly\"",
		"bad level":      "[log]\nlevel = \"loud\"",
		"neg replicas":   "[launch]\nreplicas = -1",
		"empty command":  "[launch]\ncommand = \"\"",
		"escaping file":  "[archive]\nfiles = [\"../x.dat\"]",
		"neg grace":      "[launch]\ngrace_period = \"-1s\"",
		"malformed toml": "[launch\nreplicas = 1",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeConfig(t, "c.toml", data)
			if _, err := Load(p); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/definitely/not/here.toml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvBuild(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "sim.env")
	if err := os.WriteFile(envFile, []byte("# comment\nSEED=1\nMODE=fast\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := writeConfig(t, "c.toml", `
[launch]
use_os_env = false
env_files = ["`+filepath.ToSlash(envFile)+`"]
env = ["MODE=slow", "EXTRA=${SEED}x"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	e, err := cfg.Env()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, kv := range e.Merge(nil) {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["SEED"] != "1" || got["MODE"] != "slow" || got["EXTRA"] != "1x" {
		t.Fatalf("unexpected env: %v", got)
	}
	if _, ok := got["PATH"]; ok {
		t.Fatal("OS env leaked although use_os_env = false")
	}

	cfg.Launch.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := cfg.Env(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
