package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-strftime"
)

var (
	ErrNotFound   = errors.New("data file not found")
	ErrConflict   = errors.New("archive target already exists")
	ErrPermission = errors.New("permission denied")
)

// fixedTime is used to check a suffix format during validation.
var fixedTime = time.Date(2006, time.January, 2, 15, 4, 5, 0, time.UTC)

// Status is the outcome of archiving one manifest entry.
type Status string

const (
	StatusArchived Status = "archived"
	StatusPlanned  Status = "planned"
	StatusMissing  Status = "missing"
	StatusConflict Status = "conflict"
	StatusFailed   Status = "failed"
)

type Result struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Suffix string `json:"suffix" yaml:"suffix"`
	Status Status `json:"status" yaml:"status"`
	Err    error  `json:"-" yaml:"-"`
}

// Report collects the results of one pass in manifest order.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Results   []Result  `json:"results"`
}

func (r Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Failed counts entries that were not archived or planned.
func (r Report) Failed() int {
	return len(r.Results) - r.Count(StatusArchived) - r.Count(StatusPlanned)
}

// Observer is notified after each entry is handled.
type Observer func(Result)

type Option func(*Archiver)

// WithClock overrides the wall clock used for suffixes.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) { a.log = l }
}

func WithObserver(o Observer) Option {
	return func(a *Archiver) { a.observe = o }
}

// Archiver renames manifest entries to <name>_<suffix> inside the data directory.
type Archiver struct {
	spec    Spec
	now     func() time.Time
	log     *slog.Logger
	observe Observer
}

func New(spec Spec, opts ...Option) *Archiver {
	a := &Archiver{spec: spec, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Suffix formats t with the configured strftime pattern.
func (a *Archiver) Suffix(t time.Time) string {
	return strftime.Format(a.spec.suffixFormat(), t)
}

// Plan returns the renames an Archive call would perform now, without touching the filesystem.
func (a *Archiver) Plan() []Result {
	suffix := a.Suffix(a.now())
	out := make([]Result, 0, len(a.spec.Files))
	for _, name := range a.spec.Files {
		out = append(out, a.entry(name, suffix))
	}
	return out
}

func (a *Archiver) entry(name, suffix string) Result {
	src := filepath.Join(a.spec.DataDir, name)
	return Result{Name: name, Source: src, Target: src + "_" + suffix, Suffix: suffix, Status: StatusPlanned}
}

// Archive attempts every entry of the manifest in order. A failed entry is
// logged and recorded in the report; it never stops the remaining renames.
// Entries not reached before ctx is canceled are reported as failed.
func (a *Archiver) Archive(ctx context.Context) Report {
	started := a.now()
	rep := Report{StartedAt: started, Results: make([]Result, 0, len(a.spec.Files))}
	batch := a.Suffix(started)
	for _, name := range a.spec.Files {
		suffix := batch
		if a.spec.Mode == ModePerFile {
			suffix = a.Suffix(a.now())
		}
		res := a.entry(name, suffix)
		switch {
		case ctx.Err() != nil:
			res.Status, res.Err = StatusFailed, ctx.Err()
		case a.spec.DryRun:
			a.log.Info("would archive", "file", res.Source, "target", res.Target)
		default:
			res.Err = rename(res.Source, res.Target)
			res.Status = classify(res.Err)
		}
		if res.Err != nil {
			a.log.Warn("archive failed", "file", res.Source, "target", res.Target, "status", res.Status, "error", res.Err)
		} else if res.Status == StatusArchived {
			a.log.Info("archived", "file", res.Source, "target", res.Target)
		}
		if a.observe != nil {
			a.observe(res)
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

// rename moves src to dst and refuses to replace an existing dst.
func rename(src, dst string) error {
	if _, err := os.Lstat(src); err != nil {
		return wrap(src, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("archive %s: %w: %s", src, ErrConflict, dst)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return wrap(dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return wrap(src, err)
	}
	return nil
}

func wrap(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("archive %s: %w: %w", path, ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("archive %s: %w: %w", path, ErrPermission, err)
	default:
		return fmt.Errorf("archive %s: %w", path, err)
	}
}

func classify(err error) Status {
	switch {
	case err == nil:
		return StatusArchived
	case errors.Is(err, ErrNotFound):
		return StatusMissing
	case errors.Is(err, ErrConflict):
		return StatusConflict
	default:
		return StatusFailed
	}
}
