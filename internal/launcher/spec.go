package launcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/islerun/internal/process"
)

const (
	DefaultCommand     = "python start.py"
	DefaultReplicas    = 3
	DefaultABCEFlag    = "--abce"
	DefaultReplicaFlag = "--replicid"
)

// Spec describes the replica loop.
type Spec struct {
	// Process is the template for every replica; Name and Args are
	// extended per replica.
	Process     process.Spec `json:"process" yaml:"process"`
	Replicas    int          `json:"replicas" yaml:"replicas"`
	ABCE        int          `json:"abce" yaml:"abce"`
	ABCEFlag    string       `json:"abce_flag" yaml:"abce_flag"`
	ReplicaFlag string       `json:"replica_flag" yaml:"replica_flag"`
	// DataDir is created before the first replica when EnsureDataDir is set.
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	EnsureDataDir bool   `json:"ensure_data_dir" yaml:"ensure_data_dir"`
	DryRun        bool   `json:"dry_run" yaml:"dry_run"`
}

// DefaultSpec runs "python start.py --abce 0 --replicid i" for i in 0..2.
func DefaultSpec() Spec {
	return Spec{
		Process:       process.Spec{Name: "replica", Command: DefaultCommand},
		Replicas:      DefaultReplicas,
		ABCEFlag:      DefaultABCEFlag,
		ReplicaFlag:   DefaultReplicaFlag,
		DataDir:       "data",
		EnsureDataDir: true,
	}
}

// Validate enforces Spec invariants
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Process.Command) == "" {
		return fmt.Errorf("launch requires command")
	}
	if s.Replicas < 0 {
		return fmt.Errorf("replicas cannot be negative")
	}
	if s.ABCEFlag != "" && !strings.HasPrefix(s.ABCEFlag, "-") {
		return fmt.Errorf("abce_flag %q must start with '-'", s.ABCEFlag)
	}
	if s.ReplicaFlag != "" && !strings.HasPrefix(s.ReplicaFlag, "-") {
		return fmt.Errorf("replica_flag %q must start with '-'", s.ReplicaFlag)
	}
	if s.Process.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// ReplicaSpec returns the process spec for replica id.
func (s *Spec) ReplicaSpec(id int) process.Spec {
	ps := s.Process
	base := ps.Name
	if base == "" {
		base = "replica"
	}
	ps.Name = fmt.Sprintf("%s-%d", base, id)
	ps.Args = append(append([]string(nil), s.Process.Args...), s.flags(id)...)
	ps.Env = append([]string(nil), s.Process.Env...)
	return ps
}

func (s *Spec) flags(id int) []string {
	abce := s.ABCEFlag
	if abce == "" {
		abce = DefaultABCEFlag
	}
	rep := s.ReplicaFlag
	if rep == "" {
		rep = DefaultReplicaFlag
	}
	return []string{abce, strconv.Itoa(s.ABCE), rep, strconv.Itoa(id)}
}
