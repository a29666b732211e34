package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/devstack/internal/catalog"
	"github.com/Iron-Ham/devstack/internal/collector"
	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/logging"
	"github.com/Iron-Ham/devstack/internal/manifest"
	"github.com/Iron-Ham/devstack/internal/metrics"
	"github.com/Iron-Ham/devstack/internal/progress"
	"github.com/Iron-Ham/devstack/internal/state"
	"github.com/Iron-Ham/devstack/internal/timing"
)

// DefaultMaxParallel bounds setup and build fan-out when Config leaves it unset.
const DefaultMaxParallel = 6

// Config holds the collaborators a run needs.
type Config struct {
	Catalog     *catalog.Catalog
	Stager      Stager
	Builder     Builder
	Runner      Runner
	Provisioner Provisioner

	// ManifestPath is where the generated Compose file is written.
	ManifestPath string
	// Manifest carries the generation settings. WorkDir is filled from Stager.
	Manifest manifest.Options

	MaxParallel int
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	publisher Publisher
	timing    *timing.Store
	metrics   metrics.Recorder
	runs      RunRecorder
	out       io.Writer
	buildLog  *buildLog
	now       func() time.Time
	newID     func() string
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPublisher sends progress updates to p.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithTiming records durations into s and reads ETAs from it.
func WithTiming(s *timing.Store) Option {
	return func(o *options) { o.timing = s }
}

// WithMetrics sends observations to r.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *options) { o.metrics = r }
}

// WithRunRecorder appends a summary of each run to r.
func WithRunRecorder(r RunRecorder) Option {
	return func(o *options) { o.runs = r }
}

// WithOutput writes one line per phase transition to w.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithBuildLog copies every unit task's output to w, one line at a time,
// each prefixed with the phase and unit.
func WithBuildLog(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.buildLog = &buildLog{w: w}
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

type nopPublisher struct{}

func (nopPublisher) Publish(progress.Update) {}

// Orchestrator executes runs.
type Orchestrator struct {
	cfg  Config
	opts options
}

// New creates an Orchestrator.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := options{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.publisher == nil {
		o.publisher = nopPublisher{}
	}
	if o.timing == nil {
		o.timing = timing.NewStore()
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	if o.out == nil {
		o.out = io.Discard
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	return &Orchestrator{cfg: cfg, opts: o}
}

// run is the state of one Execute call.
type run struct {
	*Orchestrator
	id      string
	req     Request
	log     *logging.Logger
	handle  *collector.Handle
	outcome *Outcome

	mu sync.Mutex // guards outcome.Warnings and outcome.Dependency
}

// Execute resolves the request and runs every phase. Intake errors return
// before anything is touched. A phase that leaves no unit standing returns
// a *errors.PhaseError together with the partial Outcome.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Outcome, error) {
	units, err := o.cfg.Catalog.Resolve(req.Units, req.IncludeWorkers)
	if err != nil {
		return nil, err
	}

	start := o.opts.now()
	r := &run{
		Orchestrator: o,
		id:           o.opts.newID(),
		req:          req,
		outcome: &Outcome{
			Namespace: req.Namespace,
			StartedAt: start,
			Requested: names(units),
			Durations: make(map[string]time.Duration),
		},
	}
	r.outcome.RunID = r.id
	r.log = o.opts.logger.WithRun(r.id)
	r.handle = collector.Begin(r.id)
	defer r.handle.End()

	r.log.Info("run started", "namespace", req.Namespace, "units", r.outcome.Requested)
	o.opts.publisher.Publish(progress.Update{
		Kind:      progress.RunStarted,
		Time:      start,
		RunID:     r.id,
		Namespace: req.Namespace,
		Phases:    Phases,
	})

	err = r.execute(ctx, units)
	r.finish(start, err)
	return r.outcome, err
}

func (r *run) execute(ctx context.Context, units []catalog.Unit) error {
	// Phase 1: setup
	setup := r.runPhase(PhaseSetup, func() string {
		r.outcome.Setup = r.setup(ctx, units)
		r.outcome.Ready1 = r.outcome.Setup.Succeeded()
		return fmt.Sprintf("%d of %d ready", len(r.outcome.Ready1), len(units))
	})
	if len(r.outcome.Ready1) == 0 {
		r.endPhase(PhaseSetup, setup, progress.StatusFailed, "no unit survived setup")
		return errors.NewPhaseError(PhaseSetup, "no unit survived setup", errors.ErrNothingToBuild).
			WithFailed(r.outcome.Setup.Failed()...)
	}
	if dropped := r.outcome.Setup.Failed(); len(dropped) > 0 {
		r.warn("setup failed for %s; continuing without them", strings.Join(dropped, ", "))
	}
	r.endPhase(PhaseSetup, setup, progress.StatusComplete, "")
	ready1 := r.selectUnits(r.outcome.Ready1)

	// Phase 2: manifest
	var manifestErr error
	mf := r.runPhase(PhaseManifest, func() string {
		manifestErr = r.writeManifest(ready1)
		if manifestErr != nil {
			return manifestErr.Error()
		}
		return fmt.Sprintf("%d services", len(ready1))
	})
	if manifestErr != nil {
		r.endPhase(PhaseManifest, mf, progress.StatusFailed, "")
		return errors.NewPhaseError(PhaseManifest, "cannot write manifest", manifestErr)
	}
	r.endPhase(PhaseManifest, mf, progress.StatusComplete, "")

	// Phase 3: build
	build := r.runPhase(PhaseBuild, func() string {
		r.outcome.Build = r.build(ctx, ready1)
		r.outcome.Ready2 = r.outcome.Build.Succeeded()
		return fmt.Sprintf("%d of %d built", len(r.outcome.Ready2), len(ready1))
	})
	if len(r.outcome.Ready2) == 0 {
		r.endPhase(PhaseBuild, build, progress.StatusFailed, "no unit survived build")
		return errors.NewPhaseError(PhaseBuild, "no unit survived build", errors.ErrNothingBuilt).
			WithFailed(r.outcome.Build.Failed()...)
	}
	if dropped := r.outcome.Build.Failed(); len(dropped) > 0 {
		r.warn("build failed for %s; continuing without them", strings.Join(dropped, ", "))
	}
	r.endPhase(PhaseBuild, build, progress.StatusComplete, "")

	// Phase 4: start
	st := r.runPhase(PhaseStart, func() string {
		r.start(ctx, r.outcome.Ready2)
		return ""
	})
	r.endPhase(PhaseStart, st, progress.StatusComplete, "")

	// Phase 5: verify
	vf := r.runPhase(PhaseVerify, func() string {
		r.verify(ctx, r.outcome.Ready2)
		return fmt.Sprintf("%d of %d running", len(r.outcome.Running), len(r.outcome.Ready2))
	})
	status := progress.StatusComplete
	if len(r.outcome.Running) == 0 {
		r.outcome.Degraded = true
		status = progress.StatusFailed
	}
	r.endPhase(PhaseVerify, vf, status, "")
	return nil
}

// phaseRun carries a phase's start time and summary between runPhase and
// endPhase.
type phaseRun struct {
	start   time.Time
	summary string
}

// runPhase announces a phase, runs fn and returns fn's summary with the
// phase start time. The caller closes the phase with endPhase once it knows
// the status.
func (r *run) runPhase(phase string, fn func() string) phaseRun {
	start := r.opts.now()
	eta := r.opts.timing.Estimate(timing.PhaseKey(phase))
	r.log.WithPhase(phase).Info("phase started", "eta", eta)
	fmt.Fprintf(r.opts.out, "==> %s (estimated %s)\n", phase, eta)
	r.opts.publisher.Publish(progress.Update{
		Kind:  progress.PhaseStarted,
		Time:  start,
		Phase: phase,
		ETA:   eta,
	})
	return phaseRun{start: start, summary: fn()}
}

func (r *run) endPhase(phase string, pr phaseRun, status, message string) {
	end := r.opts.now()
	d := end.Sub(pr.start)
	if message == "" {
		message = pr.summary
	}

	r.outcome.Durations[phase] = d
	r.record(timing.PhaseKey(phase), d)
	r.opts.metrics.ObservePhase(phase, d, status)
	r.log.WithPhase(phase).Info("phase finished", "status", status, "message", message, "duration_ms", d.Milliseconds())
	if message != "" {
		fmt.Fprintf(r.opts.out, "    %s: %s (%s)\n", phase, message, timing.FormatDuration(d))
	}
	r.opts.publisher.Publish(progress.Update{
		Kind:    progress.PhaseFinished,
		Time:    end,
		Phase:   phase,
		Status:  status,
		Message: message,
	})
}

// setup runs one Setup task per unit. Parents are queued before workers, so
// every parent holds a pool slot or has finished by the time a worker gets
// one and waits on it.
func (r *run) setup(ctx context.Context, units []catalog.Unit) collector.PhaseResult {
	parents := make(map[string]*parentState)
	for _, u := range units {
		if !u.IsWorker() {
			parents[u.Name] = &parentState{done: make(chan struct{})}
		}
	}

	p := pool.New().WithMaxGoroutines(r.cfg.MaxParallel)
	for _, u := range ordered(units) {
		p.Go(func() {
			var ok bool
			if ps, isParent := parents[u.Name]; isParent {
				defer func() {
					ps.ok = ok
					close(ps.done)
				}()
			}
			ok = r.unitTask(ctx, PhaseSetup, u.Name, func(out io.Writer) error {
				if u.IsWorker() {
					if err := r.awaitParent(ctx, u, parents[u.Parent]); err != nil {
						return err
					}
				}
				return r.cfg.Stager.Setup(ctx, u, out)
			})
		})
	}
	p.Wait()

	return r.handle.Collect(PhaseSetup, names(units))
}

// parentState is a parent's setup result as seen by its workers. ok is
// written before done is closed.
type parentState struct {
	done chan struct{}
	ok   bool
}

func (r *run) awaitParent(ctx context.Context, u catalog.Unit, ps *parentState) error {
	if ps == nil {
		// Resolve guarantees the parent is in the working set.
		return errors.NewUnitError("parent not in run", errors.ErrParentFailed).WithUnit(u.Name).WithStep(StepParent)
	}
	select {
	case <-ps.done:
	case <-ctx.Done():
		return errors.NewUnitError("canceled waiting for parent", ctx.Err()).WithUnit(u.Name).WithStep(StepParent)
	}
	if !ps.ok {
		return errors.NewUnitError("parent "+u.Parent+" failed setup", errors.ErrParentFailed).WithUnit(u.Name).WithStep(StepParent)
	}
	return nil
}

// build runs one Build task per unit.
func (r *run) build(ctx context.Context, units []catalog.Unit) collector.PhaseResult {
	p := pool.New().WithMaxGoroutines(r.cfg.MaxParallel)
	for _, u := range units {
		p.Go(func() {
			r.unitTask(ctx, PhaseBuild, u.Name, func(out io.Writer) error {
				if err := r.cfg.Builder.Build(ctx, u.Name, out); err != nil {
					return errors.NewUnitError("image build failed", err).WithUnit(u.Name).WithStep(StepBuild)
				}
				return nil
			})
		})
	}
	p.Wait()

	return r.handle.Collect(PhaseBuild, names(units))
}

// unitTask runs fn for one unit and reports the outcome. A panic leaves the
// unit unreported, so the join records it as a failure with no log.
func (r *run) unitTask(ctx context.Context, phase, unit string, fn func(out io.Writer) error) (ok bool) {
	log := r.log.WithPhase(phase).WithUnit(unit)
	start := r.opts.now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("unit task panicked", "panic", fmt.Sprint(rec))
			ok = false
		}
	}()

	r.opts.publisher.Publish(progress.Update{
		Kind:   progress.UnitChanged,
		Time:   start,
		Phase:  phase,
		Unit:   unit,
		Status: progress.StatusInProgress,
	})

	buf := r.handle.Log(unit)
	if r.opts.buildLog != nil {
		w := r.opts.buildLog.unitWriter(phase, unit)
		buf.Tee(w)
		defer w.flush()
	}
	err := fn(buf)
	d := r.opts.now().Sub(start)
	r.record(timing.OpKey(phase, unit), d)

	status, pstatus, step := collector.StatusSuccess, progress.StatusComplete, ""
	if err != nil {
		status, pstatus = collector.StatusFailure, progress.StatusFailed
		var ue *errors.UnitError
		if errors.As(err, &ue) {
			step = ue.Step
		}
		buf.Println("error: " + err.Error())
		log.Warn("unit failed", "step", step, "error", err, "duration_ms", d.Milliseconds())
	} else {
		log.Info("unit succeeded", "duration_ms", d.Milliseconds())
	}

	r.handle.Report(unit, status, step, nil)
	r.opts.metrics.ObserveUnit(phase, unit, d, string(status))
	r.opts.publisher.Publish(progress.Update{
		Kind:    progress.UnitChanged,
		Time:    r.opts.now(),
		Phase:   phase,
		Unit:    unit,
		Status:  pstatus,
		Message: step,
	})
	return err == nil
}

func (r *run) writeManifest(units []catalog.Unit) error {
	opts := r.cfg.Manifest
	opts.Namespace = r.req.Namespace
	opts.WorkDir = r.cfg.Stager.WorkDir
	m, err := manifest.Generate(r.cfg.Catalog, units, opts)
	if err != nil {
		return err
	}
	return m.Write(r.cfg.ManifestPath)
}

// start provisions the dependency and starts units side by side. Both are
// always attempted; failures become warnings.
func (r *run) start(ctx context.Context, units []string) {
	var wg conc.WaitGroup

	wg.Go(func() {
		if r.cfg.Provisioner == nil {
			return
		}
		begin := r.opts.now()
		res, err := r.cfg.Provisioner.Provision(ctx, r.req.LocalDependency, io.Discard)
		r.record(timing.OpKey(PhaseStart, OpProvision), r.opts.now().Sub(begin))

		r.mu.Lock()
		defer r.mu.Unlock()
		r.outcome.Dependency = &res
		if err != nil {
			r.warnLocked("dependency not ready: %v", err)
		}
	})
	wg.Go(func() {
		begin := r.opts.now()
		buf := collector.NewLogBuffer(collector.DefaultTailLines)
		err := r.cfg.Runner.Up(ctx, units, buf)
		r.record(timing.OpKey(PhaseStart, OpUp), r.opts.now().Sub(begin))
		if err != nil {
			r.mu.Lock()
			defer r.mu.Unlock()
			tail := buf.Tail()
			detail := ""
			if len(tail) > 0 {
				detail = ": " + tail[len(tail)-1]
			}
			r.warnLocked("starting units failed: %v%s", err, detail)
		}
	})
	wg.Wait()
}

// verify classifies the started units. It never removes units.
func (r *run) verify(ctx context.Context, units []string) {
	alive, err := r.cfg.Runner.Running(ctx, units)
	if err != nil {
		r.warn("cannot query unit status: %v", err)
	}
	for _, u := range units {
		if alive[u] {
			r.outcome.Running = append(r.outcome.Running, u)
		} else {
			r.outcome.NotRunning = append(r.outcome.NotRunning, u)
		}
	}
	if len(r.outcome.NotRunning) > 0 {
		r.warn("not running: %s", strings.Join(r.outcome.NotRunning, ", "))
	}
}

func (r *run) finish(start time.Time, err error) {
	end := r.opts.now()
	total := end.Sub(start)
	r.outcome.Durations[KeyRun] = total
	r.record(timing.PhaseKey(KeyRun), total)

	result := r.outcome.Result(err)
	r.opts.metrics.ObserveRun(total, result)
	if err != nil {
		r.log.Error("run aborted", "error", err, "severity", errors.GetSeverity(err).String(), "duration_ms", total.Milliseconds())
	} else {
		r.log.Info("run finished", "result", result, "running", r.outcome.Running, "duration_ms", total.Milliseconds())
	}

	r.opts.publisher.Publish(progress.Update{
		Kind:     progress.RunFinished,
		Time:     end,
		Degraded: r.outcome.Degraded || err != nil,
	})

	if r.opts.runs != nil {
		rec := state.RunRecord{
			ID:        r.id,
			Namespace: r.req.Namespace,
			StartedAt: start,
			Duration:  total,
			Requested: len(r.outcome.Requested),
			Built:     len(r.outcome.Ready2),
			Running:   len(r.outcome.Running),
			Result:    result,
		}
		if rerr := r.opts.runs.RecordRun(rec); rerr != nil {
			r.log.Warn("failed to record run", "error", rerr)
		}
	}
}

// record stores a timing sample. Persistence failures are logged only.
func (r *run) record(key timing.Key, d time.Duration) {
	if err := r.opts.timing.Record(key, d); err != nil {
		r.log.Warn("failed to persist timing sample", "key", key.String(), "error", err)
	}
}

func (r *run) warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnLocked(format, args...)
}

func (r *run) warnLocked(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.outcome.Warnings = append(r.outcome.Warnings, msg)
	r.log.Warn(msg)
	fmt.Fprintf(r.opts.out, "    warning: %s\n", msg)
}

// selectUnits returns the catalog units for names, keeping their order.
func (r *run) selectUnits(unitNames []string) []catalog.Unit {
	out := make([]catalog.Unit, 0, len(unitNames))
	for _, n := range unitNames {
		if u, ok := r.cfg.Catalog.Get(n); ok {
			out = append(out, u)
		}
	}
	return out
}

// ordered returns parents first, then workers, each group in request order.
func ordered(units []catalog.Unit) []catalog.Unit {
	out := make([]catalog.Unit, 0, len(units))
	for _, u := range units {
		if !u.IsWorker() {
			out = append(out, u)
		}
	}
	for _, u := range units {
		if u.IsWorker() {
			out = append(out, u)
		}
	}
	return out
}

func names(units []catalog.Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name
	}
	return out
}
