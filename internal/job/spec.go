package job

import (
	"fmt"
	"time"

	"github.com/loykin/islerun/internal/archive"
	"github.com/loykin/islerun/internal/launcher"
	"github.com/loykin/islerun/internal/metrics"
)

// ExitPolicy decides the process exit status of a finished run.
type ExitPolicy string

const (
	// ExitLast reports the status of the last replica, like a shell script
	// whose final command is the last launch.
	ExitLast ExitPolicy = "last"
	// ExitAny fails when any rename or replica failed.
	ExitAny ExitPolicy = "any"
	// ExitNever always reports success.
	ExitNever ExitPolicy = "never"
)

// ExitLaunchFailed is the status reported for a replica that never started,
// matching a shell's "command not found".
const ExitLaunchFailed = 127

// Spec describes one run: archive, then launch.
type Spec struct {
	Archive     archive.Spec  `json:"archive" yaml:"archive"`
	Launch      launcher.Spec `json:"launch" yaml:"launch"`
	SkipArchive bool          `json:"skip_archive,omitempty" yaml:"skip_archive,omitempty"`
	SkipLaunch  bool          `json:"skip_launch,omitempty" yaml:"skip_launch,omitempty"`
	ExitPolicy  ExitPolicy    `json:"exit_policy" yaml:"exit_policy"`
	DryRun      bool          `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	// SampleInterval polls running replicas for memory and CPU usage.
	// Negative disables sampling.
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`
}

// DefaultSpec reproduces the reference run: 8 data files, 3 replicas.
func DefaultSpec() Spec {
	return Spec{
		Archive:        archive.DefaultSpec(),
		Launch:         launcher.DefaultSpec(),
		ExitPolicy:     ExitLast,
		SampleInterval: metrics.DefaultSampleInterval,
	}
}

// Validate enforces Spec invariants
func (s *Spec) Validate() error {
	switch s.ExitPolicy {
	case "", ExitLast, ExitAny, ExitNever:
	default:
		return fmt.Errorf("invalid exit_policy %q, must be 'last', 'any' or 'never'", s.ExitPolicy)
	}
	if s.SkipArchive && s.SkipLaunch {
		return fmt.Errorf("nothing to do: both archive and launch are skipped")
	}
	if !s.SkipArchive {
		if err := s.Archive.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	if !s.SkipLaunch {
		if err := s.Launch.Validate(); err != nil {
			return fmt.Errorf("launch: %w", err)
		}
	}
	return nil
}

// applyDryRun propagates DryRun to both phases.
func (s *Spec) applyDryRun() {
	if s.DryRun {
		s.Archive.DryRun = true
		s.Launch.DryRun = true
	}
}
