package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergePrecedenceAndExpansion(t *testing.T) {
	e := Isolated()
	e.Set("ROOT", "/sim")
	e.Set("DATA", "${ROOT}/data")
	e.Set("MODE", "global")
	out := e.Merge([]string{"MODE=replica", "ISLERUN_REPLICA_ID=2"})

	if v, _ := lookup(out, "DATA"); v != "/sim/data" {
		t.Fatalf("DATA = %q", v)
	}
	if v, _ := lookup(out, "MODE"); v != "replica" {
		t.Fatalf("per-process override lost: %q", v)
	}
	if v, _ := lookup(out, "ISLERUN_REPLICA_ID"); v != "2" {
		t.Fatalf("replica id = %q", v)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted: %v", out)
		}
	}
}

func TestMergeIncludesOSEnv(t *testing.T) {
	t.Setenv("ISLERUN_TEST_BASE", "yes")
	out := New().Merge(nil)
	if v, ok := lookup(out, "ISLERUN_TEST_BASE"); !ok || v != "yes" {
		t.Fatalf("OS env missing: %q %v", v, ok)
	}
	if _, ok := lookup(Isolated().Merge(nil), "ISLERUN_TEST_BASE"); ok {
		t.Fatalf("isolated env leaked OS variables")
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sim.env")
	data := "# comment\nSEED = 42\n\nBAD LINE\nPYTHONUNBUFFERED=1\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	e := Isolated()
	if err := e.LoadFile(p); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	out := e.Merge(nil)
	if len(out) != 2 {
		t.Fatalf("unexpected env: %v", out)
	}
	if v, _ := lookup(out, "SEED"); v != "42" {
		t.Fatalf("SEED = %q", v)
	}
	if err := e.LoadFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := Isolated()
	base.SetPairs([]string{"A=1", "=skip", "noequals"})
	derived := base.WithSet("B", "2")
	if len(base.Merge(nil)) != 1 || len(derived.Merge(nil)) != 2 {
		t.Fatalf("WithSet mutated base: %v / %v", base.Merge(nil), derived.Merge(nil))
	}
}
