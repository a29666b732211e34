// Package logging provides structured logging for devstack runs.
//
// It wraps Go's log/slog to write JSON lines to {workspace}/logs/devstack.log,
// rotating the file by size. Console output meant for humans lives in the
// report package; this log is for post-hoc debugging of a run.
//
// # Context Propagation
//
//	runLog := logger.WithRun(runID)
//	unitLog := runLog.WithPhase("setup").WithUnit("health-api")
//	unitLog.Info("checked out ref", "ref", "main")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"checked out ref","run_id":"...","phase":"setup","unit":"health-api","ref":"main"}
//
// All types in this package are safe for concurrent use; child loggers share
// the parent's writer.
package logging
