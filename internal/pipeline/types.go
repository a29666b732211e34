package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/Iron-Ham/devstack/internal/catalog"
	"github.com/Iron-Ham/devstack/internal/collector"
	"github.com/Iron-Ham/devstack/internal/progress"
	"github.com/Iron-Ham/devstack/internal/provision"
	"github.com/Iron-Ham/devstack/internal/state"
)

// Phase names, in run order.
const (
	PhaseSetup    = "setup"
	PhaseManifest = "manifest"
	PhaseBuild    = "build"
	PhaseStart    = "start"
	PhaseVerify   = "verify"
)

// Phases lists every phase in run order.
var Phases = []string{PhaseSetup, PhaseManifest, PhaseBuild, PhaseStart, PhaseVerify}

// Timing ops recorded under the start phase, and the whole-run key.
const (
	OpProvision = "provision"
	OpUp        = "up"
	KeyRun      = "run"
)

// Failing steps the pipeline itself reports. Setup steps come from the Stager.
const (
	StepParent = "parent"
	StepBuild  = "build"
)

// Run results recorded in history and metrics.
const (
	ResultOK       = "ok"
	ResultDegraded = "degraded"
	ResultFailed   = "failed"
)

// Stager prepares a unit's working copy and build inputs.
type Stager interface {
	Setup(ctx context.Context, u catalog.Unit, out io.Writer) error
	WorkDir(u catalog.Unit) string
}

// Builder builds one unit's image from the run's manifest.
type Builder interface {
	Build(ctx context.Context, unit string, out io.Writer) error
}

// Runner starts built units and reports their liveness.
type Runner interface {
	Up(ctx context.Context, units []string, out io.Writer) error
	Running(ctx context.Context, units []string) (map[string]bool, error)
}

// Provisioner makes the shared dependency reachable.
type Provisioner interface {
	Provision(ctx context.Context, local bool, out io.Writer) (provision.Result, error)
}

// Publisher receives progress updates. Publish must not block.
type Publisher interface {
	Publish(progress.Update)
}

// RunRecorder keeps a history of finished runs.
type RunRecorder interface {
	RecordRun(state.RunRecord) error
}

// Request is one invocation of the pipeline.
type Request struct {
	Namespace string
	// Units are names or glob patterns. Empty selects every enabled unit.
	Units []string
	// IncludeWorkers adds the workers of every selected parent.
	IncludeWorkers bool
	// LocalDependency runs the dependency as a local container instead of
	// forwarding it from the cluster.
	LocalDependency bool
}

// Outcome is everything a run produced. On a fatal abort it holds whatever
// was known when the run stopped.
type Outcome struct {
	RunID     string
	Namespace string
	StartedAt time.Time

	// Requested is the resolved working set in request order.
	Requested []string
	Setup     collector.PhaseResult
	Build     collector.PhaseResult

	// Ready1 survived setup; Ready2 survived build.
	Ready1 []string
	Ready2 []string

	Running    []string
	NotRunning []string

	Dependency *provision.Result
	Warnings   []string
	Durations  map[string]time.Duration
	Degraded   bool
}

// Result classifies the run for history and metrics.
func (o *Outcome) Result(err error) string {
	switch {
	case err != nil:
		return ResultFailed
	case o.Degraded:
		return ResultDegraded
	default:
		return ResultOK
	}
}

// Failures returns every unit-local failure across setup and build.
func (o *Outcome) Failures() []collector.UnitResult {
	return append(o.Setup.Failures(), o.Build.Failures()...)
}
