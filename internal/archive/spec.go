package archive

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ncruces/go-strftime"
)

// DefaultSuffixFormat renders e.g. 2026_Oct_19_14_05.
const DefaultSuffixFormat = "%Y_%h_%d_%H_%M"

// DefaultFiles is the manifest of simulation outputs preserved between runs.
var DefaultFiles = []string{
	"replication_rc_event_schedule.dat",
	"replication_randomseed.dat",
	"two_operational.dat",
	"two_contracts.dat",
	"two_cash.dat",
	"two_reinoperational.dat",
	"two_reincontracts.dat",
	"two_reincash.dat",
}

// TimestampMode selects how many suffixes an archive pass computes.
type TimestampMode string

const (
	// ModeBatch computes one suffix for the whole manifest.
	ModeBatch TimestampMode = "batch"
	// ModePerFile computes the suffix again for every rename, so entries
	// may differ by a minute when the pass straddles a minute boundary.
	ModePerFile TimestampMode = "per_file"
)

// Spec describes one archive pass.
type Spec struct {
	DataDir      string        `json:"data_dir" yaml:"data_dir"`
	Files        []string      `json:"files" yaml:"files"`
	SuffixFormat string        `json:"suffix_format" yaml:"suffix_format"`
	Mode         TimestampMode `json:"timestamp_mode" yaml:"timestamp_mode"`
	DryRun       bool          `json:"dry_run" yaml:"dry_run"`
}

// DefaultSpec archives DefaultFiles under ./data.
func DefaultSpec() Spec {
	return Spec{
		DataDir:      "data",
		Files:        append([]string(nil), DefaultFiles...),
		SuffixFormat: DefaultSuffixFormat,
		Mode:         ModeBatch,
	}
}

// Validate enforces Spec invariants
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("archive requires data_dir")
	}
	if len(s.Files) == 0 {
		return fmt.Errorf("archive requires at least one file")
	}
	seen := make(map[string]struct{}, len(s.Files))
	for _, f := range s.Files {
		if err := validateName(f); err != nil {
			return err
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("archive file %q listed twice", f)
		}
		seen[f] = struct{}{}
	}
	switch s.Mode {
	case "", ModeBatch, ModePerFile:
	default:
		return fmt.Errorf("invalid timestamp_mode %q, must be %q or %q", s.Mode, ModeBatch, ModePerFile)
	}
	format := s.suffixFormat()
	if _, err := strftime.Layout(format); err != nil {
		return fmt.Errorf("invalid suffix_format %q: %w", format, err)
	}
	if strings.ContainsAny(strftime.Format(format, fixedTime), `/\`) {
		return fmt.Errorf("suffix_format %q must not produce path separators", format)
	}
	return nil
}

func (s *Spec) suffixFormat() string {
	if s.SuffixFormat == "" {
		return DefaultSuffixFormat
	}
	return s.SuffixFormat
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("archive file name must not be empty")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("archive file %q must be relative to data_dir", name)
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("archive file %q escapes data_dir", name)
	}
	return nil
}
