package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	NoColor    bool
}

// RunFlags Flag structs to decouple cobra from logic for testing.
// Zero values (and a negative Replicas) leave the configuration untouched.
type RunFlags struct {
	DryRun        bool
	Replicas      int
	DataDir       string
	ExitPolicy    string
	MetricsListen string
	HistoryDSN    string
}

type PlanFlags struct {
	Output string // yaml, json or table
}

type HistoryFlags struct {
	HistoryDSN string
	RunID      string
	Type       string
	Limit      int
	Output     string // table, json or yaml
	// Remote server connection
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	Listen     string
	BasePath   string
	HistoryDSN string
}
