// Package orchestrator drives one invocation: it resolves the target,
// gates collectors on privileges, runs them concurrently with per
// collector timeouts and graceful signal handling, and aggregates their
// outcomes into a run report.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitriimaksimovdevelop/insight/internal/archive"
	"github.com/dmitriimaksimovdevelop/insight/internal/collector"
	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/executor"
	"github.com/dmitriimaksimovdevelop/insight/internal/importer"
	"github.com/dmitriimaksimovdevelop/insight/internal/locator"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/output"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

const (
	DefaultParallel = 8
	DefaultTimeout  = 10 * time.Minute

	// windowSlack covers work a windowed collector does after its tool
	// stops, such as perf script exports.
	windowSlack = 30 * time.Second
)

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Namespace *namespace.Manager
	Locator   *locator.Locator
	Gate      privilege.Gate
	Runner    executor.Runner
	Factory   Factory
}

// Options tune scheduling and reporting.
type Options struct {
	// Parallel bounds concurrently running collectors.
	Parallel int
	// Grace is added to a windowed collector's window before its context
	// is cancelled.
	Grace time.Duration
	// Timeout bounds collectors without a window.
	Timeout time.Duration

	ProcRoot string
	SysRoot  string

	Logger   *slog.Logger
	Progress *output.Progress
}

// Orchestrator coordinates the collectors of one invocation.
type Orchestrator struct {
	ns       *namespace.Manager
	locator  *locator.Locator
	gate     privilege.Gate
	runner   executor.Runner
	factory  Factory
	opts     Options
	log      *slog.Logger
	progress *output.Progress

	describe   func(ctx context.Context, pids []int) *model.SnapshotView
	dialInflux func(opts importer.Options) (importer.PointWriter, func(), error)
	newRunID   func() string
}

// New creates an Orchestrator. A nil Locator, Gate or Factory selects the
// live system defaults.
func New(d Deps, opts Options) (*Orchestrator, error) {
	if d.Namespace == nil {
		return nil, ierrors.New(ierrors.ErrCodeInvalidRequest, "orchestrator needs an output namespace")
	}
	if d.Locator == nil {
		loc, err := locator.New(nil, "")
		if err != nil {
			return nil, err
		}
		d.Locator = loc
	}
	if d.Gate == nil {
		d.Gate = privilege.NewHostGate(nil)
	}
	if d.Factory == nil {
		d.Factory = DefaultFactory{}
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	if opts.Grace <= 0 {
		opts.Grace = executor.DefaultGrace
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		ns:         d.Namespace,
		locator:    d.Locator,
		gate:       d.Gate,
		runner:     d.Runner,
		factory:    d.Factory,
		opts:       opts,
		log:        log,
		progress:   opts.Progress,
		describe:   locator.Describe,
		dialInflux: dialInflux,
		newRunID:   uuid.NewString,
	}, nil
}

func dialInflux(opts importer.Options) (importer.PointWriter, func(), error) {
	c, err := importer.Dial(opts)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

// Run performs the request. Invalid requests and an unusable output
// namespace return an error; every collector failure is reported in the
// returned RunReport instead. SIGINT/SIGTERM cancel running collectors and
// the partial report is still returned.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (*model.RunReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Signal handling: started after the context derivation it cancels
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			o.progress.Log("Received %v, stopping collectors (partial report)...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	switch op := req.Ops[0]; op {
	case OpSnapshot, OpRuntime, OpLogs, OpConfigs, OpClusterAPI, OpMetricDump:
		return o.collect(ctx, req)
	case OpArchive, OpExtract, OpMetricLoad:
		return o.bundleOp(ctx, req, op)
	case OpBrowse:
		return nil, ierrors.New(ierrors.ErrCodeInvalidRequest, "browse is served by the bundle browser, not a collection run")
	default:
		return nil, ierrors.New(ierrors.ErrCodeInvalidRequest, op.String()+" is not an operation")
	}
}

type run struct {
	report *model.RunReport
	log    *slog.Logger
}

func (r *run) enter(s model.RunState) {
	r.report.States = append(r.report.States, s)
	r.log.Debug("state", "state", s)
}

func (o *Orchestrator) newRun(req *Request) *run {
	report := &model.RunReport{
		RunID:     o.newRunID(),
		Operation: req.Name(),
		Target:    req.Target.String(),
		Alias:     o.ns.Alias(),
		OutputDir: o.ns.AliasDir(),
		StartedAt: time.Now().UTC(),
	}
	r := &run{report: report, log: o.log.With("run_id", report.RunID, "operation", report.Operation)}
	r.enter(model.StateIdle)
	return r
}

func (o *Orchestrator) env() collector.Env {
	return collector.Env{
		Runner:   o.runner,
		NS:       o.ns,
		Logger:   o.log,
		ProcRoot: o.opts.ProcRoot,
		SysRoot:  o.opts.SysRoot,
	}
}

func (o *Orchestrator) collect(ctx context.Context, req *Request) (*model.RunReport, error) {
	r := o.newRun(req)
	if _, err := o.ns.Ensure(namespace.AliasRoot); err != nil {
		return nil, err
	}
	env := o.env()
	target := req.Target
	auto := target.Kind() == model.TargetAuto
	decisions := make(map[privilege.Capability]privilege.Decision)

	o.progress.Log("Starting %s: target=%s, output=%s", r.report.Operation, target, o.ns.AliasDir())

	// Idle -> TargetResolved. Auto targets are resolved against a fresh
	// whole-system snapshot.
	var snapshot *model.SnapshotView
	if auto {
		snap := o.factory.Snapshot(env, false, nil)
		out, ok := o.admit(r, snap, decisions)
		if ok {
			out = o.runOne(ctx, r, snap)
		}
		r.report.Outcomes = append(r.report.Outcomes, out)
		if b := snap.Bundle(); b != nil {
			view, err := b.View()
			if err != nil {
				r.log.Warn("snapshot process table unreadable", "error", err)
			} else {
				snapshot = view
			}
		}
	}

	pids, err := o.locator.Resolve(ctx, target, snapshot)
	switch {
	case ierrors.Is(err, ierrors.ErrCodeMissingSnapshot):
		r.log.Warn("nothing to do: no system snapshot to resolve the target from", "target", target.String())
		return o.stopEarly(r, err.Error()), nil
	case err != nil && ierrors.Is(err, ierrors.ErrCodeTargetUnresolvable):
		r.log.Warn("nothing to do: target unresolvable", "target", target.String(), "error", err)
		return o.stopEarly(r, err.Error()), nil
	case err != nil:
		return nil, err
	}
	if target.Kind() != model.TargetSystem && len(pids) == 0 {
		reason := fmt.Sprintf("no process matches %s", target)
		r.log.Warn("nothing to do", "reason", reason)
		return o.stopEarly(r, reason), nil
	}
	r.report.PIDs = pids
	r.enter(model.StateTargetResolved)
	r.log.Info("target resolved", "target", target.String(), "pids", model.JoinPIDs(pids))

	plan := Plan{Request: req, PIDs: pids, Scoped: target.Scoped()}
	switch {
	case auto:
		plan.View = snapshot.Filter(pids)
	case target.Scoped():
		plan.View = o.describe(ctx, pids)
	}

	var planned []collector.Collector
	for _, op := range req.Ops {
		if op == OpSnapshot && auto {
			continue // taken while resolving
		}
		planned = append(planned, o.factory.Collectors(env, op, plan)...)
	}
	if auto {
		planned = append(planned, o.factory.AutoExtras(env, plan.View)...)
	}

	// TargetResolved -> PrivilegeChecked
	var admitted []collector.Collector
	for _, c := range planned {
		out, ok := o.admit(r, c, decisions)
		if !ok {
			r.report.Outcomes = append(r.report.Outcomes, out)
			continue
		}
		admitted = append(admitted, c)
	}
	r.enter(model.StatePrivilegeChecked)

	// PrivilegeChecked -> Collecting
	r.enter(model.StateCollecting)
	r.report.Outcomes = append(r.report.Outcomes, o.schedule(ctx, r, admitted)...)

	// Collecting -> Aggregated
	o.aggregate(r)
	r.enter(model.StateAggregated)

	status := model.ComputeStatus(r.report.Outcomes)
	reason := ""
	if status == model.StatusFailed {
		reason = "no collector produced output"
	}
	return o.finish(r, status, reason), nil
}

// admit evaluates the capabilities c requires. Denied collectors get an
// outcome instead of running: fatal denials fail the collector, warning
// denials skip it. Decisions are cached per run.
func (o *Orchestrator) admit(r *run, c collector.Collector, cache map[privilege.Capability]privilege.Decision) (model.CollectionOutcome, bool) {
	var denied *privilege.Decision
	for _, capability := range c.Requires() {
		d, ok := cache[capability]
		if !ok {
			d = o.gate.Require(capability)
			cache[capability] = d
		}
		if d.Allowed {
			continue
		}
		if denied == nil || (d.Severity == privilege.SeverityFatal && denied.Severity != privilege.SeverityFatal) {
			dd := d
			denied = &dd
		}
	}
	if denied == nil {
		return model.CollectionOutcome{}, true
	}

	now := time.Now().UTC()
	err := denied.Err()
	out := model.CollectionOutcome{
		Category:  c.Category(),
		Collector: c.Name(),
		ErrorCode: string(ierrors.ErrCodePrivilegeDenied),
		Error:     err.Error(),
		StartedAt: now,
		EndedAt:   now,
	}
	attrs := []any{"category", c.Category(), "collector", c.Name(), "target", r.report.Target,
		"capability", string(denied.Capability), "reason", denied.Reason}
	if denied.Severity == privilege.SeverityWarning {
		out.Skipped = true
		r.log.Warn("privilege denied, skipping collector", attrs...)
	} else {
		r.log.Error("privilege denied", attrs...)
	}
	return out, false
}

// windowed collectors wrap a tool sampling for a fixed duration.
type windowed interface {
	Window() time.Duration
}

func (o *Orchestrator) timeoutFor(c collector.Collector) time.Duration {
	if w, ok := c.(windowed); ok && w.Window() > 0 {
		return w.Window() + o.opts.Grace + windowSlack
	}
	return o.opts.Timeout
}

func (o *Orchestrator) schedule(ctx context.Context, r *run, cs []collector.Collector) []model.CollectionOutcome {
	outcomes := make([]model.CollectionOutcome, len(cs))
	var g errgroup.Group
	g.SetLimit(o.opts.Parallel)
	for i, c := range cs {
		g.Go(func() error {
			outcomes[i] = o.runOne(ctx, r, c)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// runOne runs c under its own timeout. A panicking collector is contained
// and reported as an internal failure.
func (o *Orchestrator) runOne(ctx context.Context, r *run, c collector.Collector) (out model.CollectionOutcome) {
	name := c.Name()
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, o.timeoutFor(c))
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			out = model.CollectionOutcome{
				Category:  c.Category(),
				Collector: name,
				ErrorCode: string(ierrors.ErrCodeInternal),
				Error:     fmt.Sprintf("collector panicked: %v", p),
				StartedAt: start,
				EndedAt:   time.Now(),
			}
		}
		o.report(r, out, time.Since(start))
	}()

	o.progress.Log("  [%s] collecting...", name)
	out = c.Collect(cctx)
	if out.Collector == "" {
		out.Collector = name
	}
	if out.Category == "" {
		out.Category = c.Category()
	}
	return out
}

func (o *Orchestrator) report(r *run, out model.CollectionOutcome, elapsed time.Duration) {
	elapsed = elapsed.Round(time.Millisecond)
	switch {
	case out.Skipped:
		o.progress.Log("  [%s] skipped: %s (%s)", out.Collector, out.Error, elapsed)
	case out.Error != "":
		attrs := []any{"category", out.Category, "collector", out.Collector, "target", r.report.Target,
			"error_code", out.ErrorCode, "error", out.Error}
		if out.Stderr != "" {
			attrs = append(attrs, "stderr", out.Stderr)
		}
		if out.Succeeded {
			r.log.Warn("collector partially failed", attrs...)
		} else {
			r.log.Error("collector failed", attrs...)
		}
		o.progress.Log("  [%s] error: %s (%s)", out.Collector, out.Error, elapsed)
	default:
		o.progress.Log("  [%s] done, %d artifacts (%s)", out.Collector, len(out.ArtifactPaths), elapsed)
	}
}

// aggregate orders outcomes deterministically and makes artifact paths
// relative to the output root so the manifest survives archiving. It is
// idempotent.
func (o *Orchestrator) aggregate(r *run) {
	outs := r.report.Outcomes
	sort.SliceStable(outs, func(i, j int) bool {
		if outs[i].Category != outs[j].Category {
			return outs[i].Category < outs[j].Category
		}
		return outs[i].Collector < outs[j].Collector
	})
	for i := range outs {
		for j, p := range outs[i].ArtifactPaths {
			outs[i].ArtifactPaths[j] = o.ns.Rel(p)
		}
		sort.Strings(outs[i].ArtifactPaths)
	}
}

// stopEarly ends a run whose target selected nothing. Output already
// collected while resolving, such as the auto snapshot, still makes the
// run succeed.
func (o *Orchestrator) stopEarly(r *run, reason string) *model.RunReport {
	for _, out := range r.report.Outcomes {
		if out.ProducedOutput() {
			return o.finish(r, model.StatusSucceeded, reason)
		}
	}
	return o.finish(r, model.StatusNothingToDo, reason)
}

func (o *Orchestrator) finish(r *run, status model.RunStatus, reason string) *model.RunReport {
	o.aggregate(r)
	r.report.Status = status
	r.report.Reason = reason
	r.enter(model.StateDone)
	r.report.EndedAt = time.Now().UTC()
	if r.report.Outcomes == nil {
		r.report.Outcomes = []model.CollectionOutcome{}
	}
	if err := o.writeManifest(r.report); err != nil {
		r.log.Error("manifest not written", "error", err)
	}

	ok := 0
	for _, out := range r.report.Outcomes {
		if out.ProducedOutput() {
			ok++
		}
	}
	o.progress.Log("Run %s: %d/%d collectors produced output", status, ok, len(r.report.Outcomes))
	return r.report
}

// writeManifest appends the report to manifest.yaml at the alias root.
func (o *Orchestrator) writeManifest(report *model.RunReport) error {
	if _, err := o.ns.Ensure(namespace.AliasRoot); err != nil {
		return err
	}
	path := filepath.Join(o.ns.AliasDir(), model.ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := model.ParseManifest(data)
	if err != nil {
		return err
	}
	if m.Alias == "" {
		m.Alias = o.ns.Alias()
	}
	m.Append(*report)
	out, err := m.Marshal()
	if err != nil {
		return err
	}
	return namespace.WriteFile(path, out)
}

// bundleOp runs an operation acting on an existing bundle. These bypass
// the collection state machine.
func (o *Orchestrator) bundleOp(ctx context.Context, req *Request, op Operation) (*model.RunReport, error) {
	r := o.newRun(req)
	r.report.Target = ""
	start := time.Now().UTC()
	out := model.CollectionOutcome{Category: op.String(), Collector: op.String(), StartedAt: start}

	var err error
	switch op {
	case OpArchive:
		var path string
		if path, err = archive.Compress(o.ns.Root(), o.ns.Alias()); err == nil {
			out.ArtifactPaths = []string{o.ns.Rel(path)}
			r.log.Info("bundle archived", "path", path)
		}
	case OpExtract:
		var unpacked []string
		if unpacked, err = archive.Extract(req.Archive.Input, o.ns.Root()); err == nil {
			for _, p := range unpacked {
				out.ArtifactPaths = append(out.ArtifactPaths, o.ns.Rel(p))
			}
			r.log.Info("bundle extracted", "archives", len(unpacked), "dest", o.ns.Root())
		}
	case OpMetricLoad:
		err = o.load(ctx, r, req.Load, &out)
	case OpSnapshot, OpRuntime, OpLogs, OpConfigs, OpClusterAPI, OpMetricDump, OpBrowse:
		return nil, ierrors.New(ierrors.ErrCodeInternal, op.String()+" is not a bundle operation")
	}
	out.EndedAt = time.Now().UTC()

	status := model.StatusSucceeded
	switch {
	case err != nil:
		if ierrors.Is(err, ierrors.ErrCodeInvalidRequest) {
			return nil, err
		}
		out.Error = err.Error()
		out.ErrorCode = string(ierrors.CodeOf(err))
		status = model.StatusFailed
		r.log.Error(op.String()+" failed", "error", err)
	case out.Skipped:
		status = model.StatusNothingToDo
	default:
		out.Succeeded = true
	}
	r.report.Outcomes = []model.CollectionOutcome{out}
	r.report.Status = status
	r.report.Reason = out.Error
	r.enter(model.StateDone)
	r.report.EndedAt = time.Now().UTC()
	return r.report, nil
}

func (o *Orchestrator) load(ctx context.Context, r *run, opts LoadOptions, out *model.CollectionOutcome) error {
	dumps, err := importer.FindDumps(opts.Input)
	if err != nil {
		return err
	}
	if len(dumps) == 0 {
		out.Skipped = true
		out.Error = "no metric dumps found under " + opts.Input
		return nil
	}
	w, closeFn, err := o.dialInflux(opts.Influx)
	if err != nil {
		return err
	}
	defer closeFn()

	influx := opts.Influx
	influx.Logger = r.log
	res, err := importer.NewLoader(w, influx).Load(ctx, opts.Input)
	if res != nil {
		for _, f := range res.Failed {
			r.log.Warn("metric dump skipped", "file", f)
		}
		o.progress.Log("Loaded %d points from %d dumps (%d series)", res.Points, res.Files, res.Series)
	}
	return err
}
