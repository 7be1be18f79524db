package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsguardian/fsguardian/internal/crypto"
	"github.com/fsguardian/fsguardian/internal/utils"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// Options configures an Orchestrator.
type Options struct {
	SourceDir string
	TargetDir string

	// StateDir holds the fingerprint index, version objects, baseline
	// and lock file. Usually <TargetDir>/.fsguardian.
	StateDir string

	Bidirectional bool
	MaxVersions   int
	Filter        *Filter

	// Transform enables at-rest encryption of the target tree.
	Transform *crypto.Transform

	Verify   bool
	TieBreak Tree
	Workers  int
}

// Orchestrator drives the sync state machine: scan both trees, diff or
// reconcile, execute transfers, verify, persist the baseline. It owns
// cancellation and is the only goroutine that mutates the session or
// invokes observer callbacks.
type Orchestrator struct {
	opts     Options
	observer Observer

	index    *FingerprintIndex
	versions *VersionStore
	baseline *BaselineStore
	lock     *flock.Flock

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	running bool
}

// NewOrchestrator validates the options and builds the engine. Call
// Open before Run and Close when done.
func NewOrchestrator(opts Options, observer Observer) (*Orchestrator, error) {
	if opts.SourceDir == "" || opts.TargetDir == "" {
		return nil, fmt.Errorf("source and target directories are required")
	}
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(opts.TargetDir, ".fsguardian")
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.TieBreak == "" {
		opts.TieBreak = TreeSource
	}
	if observer == nil {
		observer = NopObserver{}
	}

	return &Orchestrator{
		opts:     opts,
		observer: observer,
		index:    NewFingerprintIndex(filepath.Join(opts.StateDir, "index.db")),
		versions: NewVersionStore(opts.StateDir, opts.MaxVersions),
		baseline: NewBaselineStore(opts.StateDir),
		lock:     flock.New(filepath.Join(opts.StateDir, "sync.lock")),
	}, nil
}

// Open acquires the state-directory lock and opens the backing stores.
// A second process syncing the same target fails here with
// ErrSyncAlreadyRunning.
func (o *Orchestrator) Open() error {
	if err := utils.EnsureDir(o.opts.TargetDir); err != nil {
		return &FatalError{Op: "prepare target", Err: err}
	}
	if err := utils.EnsureDir(o.opts.StateDir); err != nil {
		return &FatalError{Op: "prepare state dir", Err: err}
	}
	if !utils.IsWritable(o.opts.TargetDir) {
		return &FatalError{Op: "check target", Err: fmt.Errorf("target %s is not writable", o.opts.TargetDir)}
	}

	locked, err := o.lock.TryLock()
	if err != nil {
		return &FatalError{Op: "acquire lock", Err: err}
	}
	if !locked {
		return ErrSyncAlreadyRunning
	}

	if err := o.index.Open(); err != nil {
		o.lock.Unlock()
		return &FatalError{Op: "open index", Err: err}
	}
	if err := o.versions.Open(); err != nil {
		o.index.Close()
		o.lock.Unlock()
		return &FatalError{Op: "open version store", Err: err}
	}
	if err := o.baseline.Open(); err != nil {
		o.versions.Close()
		o.index.Close()
		o.lock.Unlock()
		return &FatalError{Op: "open baseline store", Err: err}
	}
	return nil
}

// Close releases the stores and the lock.
func (o *Orchestrator) Close() error {
	o.baseline.Close()
	o.versions.Close()
	o.index.Close()
	return o.lock.Unlock()
}

// Status reports the current or last session state without blocking.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	if s == nil {
		return Status{Phase: PhaseIdle}
	}
	return s.Status()
}

// Cancel requests cooperative cancellation of the running session.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
}

// Invalidate drops a cached fingerprint so the next run re-hashes the
// path. Fed by the change watcher; never touches an in-flight snapshot.
func (o *Orchestrator) Invalidate(tree Tree, relPath string) {
	if err := o.index.Invalidate(tree, relPath); err != nil {
		slog.Warn("index invalidation failed", "tree", string(tree), "path", relPath, "error", err)
	}
}

// Run executes one full sync session and returns its final status. The
// returned error is the fatal failure when the session did not run to a
// terminal transfer state; per-operation failures and conflicts are in
// the Status instead.
func (o *Orchestrator) Run(ctx context.Context) (Status, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return Status{}, ErrSyncAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	session := newSession()
	o.running = true
	o.session = session
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	status, err := o.run(runCtx, session)
	if err != nil {
		session.fail(err)
		o.observer.OnError(err)
		return session.Status(), err
	}
	if status.Phase == PhaseCompleted {
		o.observer.OnComplete(status)
	}
	return status, nil
}

func (o *Orchestrator) run(ctx context.Context, session *Session) (Status, error) {
	tStart := time.Now()

	var decryptTarget ReaderTransform
	var encryptTarget WriterTransform
	if o.opts.Transform != nil {
		decryptTarget = o.opts.Transform.Decrypt
		encryptTarget = o.opts.Transform.Encrypt
	}

	// Scanning
	session.setPhase(PhaseScanning)
	source, target, err := o.scanBoth(ctx, decryptTarget)
	if err != nil {
		if ctx.Err() != nil {
			session.setPhase(PhaseCancelled)
			return session.Status(), nil
		}
		return session.Status(), err
	}
	if err := ctx.Err(); err != nil {
		session.setPhase(PhaseCancelled)
		return session.Status(), nil
	}

	// Diffing / Reconciling
	session.setPhase(PhaseDiffing)
	plan, err := o.plan(ctx, session, source, target, decryptTarget)
	if err != nil {
		if ctx.Err() != nil {
			session.setPhase(PhaseCancelled)
			return session.Status(), nil
		}
		return session.Status(), err
	}
	if err := ctx.Err(); err != nil {
		session.setPhase(PhaseCancelled)
		return session.Status(), nil
	}

	session.addTotals(plan.ToTarget.TotalBytes(), plan.ToTarget.Len())
	session.addTotals(plan.ToSource.TotalBytes(), plan.ToSource.Len())

	// Transferring
	session.setPhase(PhaseTransferring)

	// MaxVersions zero disables versioning: overwritten content is not
	// archived and the executors never touch the store.
	versions := o.versions
	if o.opts.MaxVersions <= 0 {
		versions = nil
	}

	toTarget := NewExecutor(o.opts.SourceDir, o.opts.TargetDir, ExecutorOptions{
		Versions: versions,
		Encrypt:  encryptTarget,
		Decrypt:  decryptTarget,
		Verify:   o.opts.Verify,
		Workers:  o.opts.Workers,
	})
	o.drain(session, toTarget.Execute(ctx, plan.ToTarget))

	if o.opts.Bidirectional {
		toSource := NewExecutor(o.opts.TargetDir, o.opts.SourceDir, ExecutorOptions{
			Versions:       versions,
			ContentDecrypt: decryptTarget,
			Verify:         o.opts.Verify,
			Workers:        o.opts.Workers,
		})
		o.drain(session, toSource.Execute(ctx, plan.ToSource))
	}

	if ctx.Err() != nil {
		session.setPhase(PhaseCancelled)
		slog.Info("sync cancelled", "session", session.id, "took", time.Since(tStart))
		return session.Status(), nil
	}

	// Verifying: per-file verification already ran inline; this phase
	// settles the accounting before the baseline commit.
	session.setPhase(PhaseVerifying)
	st := session.Status()

	if o.opts.Bidirectional && len(st.FailedOps) == 0 {
		next := AppliedSnapshot(source, target, plan)
		if err := o.baseline.Replace(next); err != nil {
			return session.Status(), &FatalError{Op: "persist baseline", Err: err}
		}
	}

	session.setPhase(PhaseCompleted)
	st = session.Status()
	slog.Info("sync completed",
		"session", session.id,
		"files", st.FilesDone,
		"bytes", st.BytesDone,
		"failed", len(st.FailedOps),
		"conflicts", len(st.Conflicts),
		"took", time.Since(tStart))
	return st, nil
}

// scanBoth captures both trees concurrently. Target reads pass through
// the decrypt transform so fingerprints compare in the same domain.
func (o *Orchestrator) scanBoth(ctx context.Context, decryptTarget ReaderTransform) (*Snapshot, *Snapshot, error) {
	srcIgnore := NewIgnoreList(o.opts.SourceDir)
	srcIgnore.Load()
	tgtIgnore := NewIgnoreList(o.opts.TargetDir)
	tgtIgnore.Load()

	var source, target *Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, diags, err := NewScanner(o.opts.SourceDir, ScanOptions{
			Tree:    TreeSource,
			Filter:  o.opts.Filter,
			Ignore:  srcIgnore,
			Index:   o.index,
			Workers: o.opts.Workers,
		}).Scan(gctx)
		if err != nil {
			return &FatalError{Op: "scan source", Err: err}
		}
		logScanDiags(TreeSource, diags)
		source = snap
		return nil
	})
	g.Go(func() error {
		snap, diags, err := NewScanner(o.opts.TargetDir, ScanOptions{
			Tree:    TreeTarget,
			Filter:  o.opts.Filter,
			Ignore:  tgtIgnore,
			Index:   o.index,
			Decrypt: decryptTarget,
			Workers: o.opts.Workers,
		}).Scan(gctx)
		if err != nil {
			return &FatalError{Op: "scan target", Err: err}
		}
		logScanDiags(TreeTarget, diags)
		target = snap
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

func logScanDiags(tree Tree, diags []ScanError) {
	for _, d := range diags {
		slog.Warn("scan entry skipped", "tree", string(tree), "path", d.Path, "error", d.Err)
	}
}

// plan computes the per-direction work. One-directional mode is a plain
// diff toward the target; bidirectional mode reconciles both trees
// against the persisted baseline.
func (o *Orchestrator) plan(ctx context.Context, session *Session, source, target *Snapshot, decryptTarget ReaderTransform) (*ReconcilePlan, error) {
	srcDelta := NewDeltaComputer(o.opts.SourceDir, nil)

	if !o.opts.Bidirectional {
		cs, err := srcDelta.Diff(ctx, source, target)
		if err != nil {
			return nil, err
		}
		return &ReconcilePlan{ToTarget: cs, ToSource: &ChangeSet{}}, nil
	}

	// Baseline load errors surface as delta failures and must land in
	// the Diffing phase; Reconciling begins with the classification.
	base, err := o.baseline.Load()
	if err != nil {
		return nil, err
	}

	session.setPhase(PhaseReconciling)
	plan := NewConflictResolver(o.opts.TieBreak).Reconcile(source, target, base)
	session.recordConflicts(plan.Conflicts)

	srcDelta.FillDeltas(ctx, plan.ToTarget)
	NewDeltaComputer(o.opts.TargetDir, decryptTarget).FillDeltas(ctx, plan.ToSource)
	return plan, nil
}

// drain consumes executor results on the orchestrator goroutine,
// updating the session and emitting progress after every operation.
func (o *Orchestrator) drain(session *Session, results <-chan OpResult) {
	for res := range results {
		session.recordResult(res)
		if res.Err != nil {
			slog.Warn("operation failed",
				"op", string(res.Op.Kind), "path", res.Op.Path, "error", res.Err)
		}
		o.observer.OnProgress(session.Status())
	}
}

// RestoreVersion writes an archived version back to the target tree.
// versionID <= 0 restores the most recent archived version.
func (o *Orchestrator) RestoreVersion(ctx context.Context, relPath string, versionID int64) (*VersionRecord, error) {
	if versionID <= 0 {
		chain, err := o.versions.Chain(relPath)
		if err != nil {
			return nil, err
		}
		if len(chain) == 0 {
			return nil, fmt.Errorf("%s: %w", relPath, ErrVersionNotFound)
		}
		versionID = chain[0].VersionID
	}
	abs := filepath.Join(o.opts.TargetDir, filepath.FromSlash(relPath))
	return o.versions.Restore(ctx, relPath, versionID, abs)
}

// Versions exposes the version store for listing commands.
func (o *Orchestrator) Versions() *VersionStore {
	return o.versions
}
