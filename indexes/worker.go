package indexes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tank/applog"
	"github.com/drpcorg/tank/codec"
	"github.com/drpcorg/tank/datapath"
	"github.com/drpcorg/tank/keys"
	"github.com/drpcorg/tank/tank_errors"
	"github.com/drpcorg/tank/types"
	"github.com/drpcorg/tank/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Options struct {
	// Records scanned per iteration.
	ChunkSize int
	// Entries purged per iteration.
	RemoveChunkSize int
	CommandTimeout  time.Duration
	CloseTimeout    time.Duration
	MailboxSize     int
	// Pause after a failed iteration.
	RetryInterval time.Duration

	Logger  utils.Logger
	Types   types.Service
	Paths   datapath.Extractor
	Metrics *Metrics
}

func (o *Options) SetDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.RemoveChunkSize <= 0 {
		o.RemoveChunkSize = 1000
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Second
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	o.Logger = utils.OrDefault(o.Logger)
	if o.Types == nil {
		o.Types = types.NewRegistry()
	}
	if o.Paths == nil {
		o.Paths = datapath.NewJSONPath(0)
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
}

// Worker owns the index store: it runs admin commands and keeps every
// index caught up with the log.
type Worker struct {
	log    *applog.Log
	db     *pebble.DB
	meta   *Metadata
	opts    Options
	logger  utils.Logger
	metrics *Metrics

	mailbox chan command
	done    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	// set before stopped is closed
	fatal error
}

const (
	stateIdle = iota
	stateBusy
	stateStopped
)

func NewWorker(log *applog.Log, db *pebble.DB, opts Options) (*Worker, error) {
	opts.SetDefaults()
	meta, err := LoadMetadata(db, opts.Types, opts.Paths, opts.Logger)
	if err != nil {
		return nil, err
	}
	if err := meta.Validate(log.Len()); err != nil {
		return nil, err
	}
	return &Worker{
		log:     log,
		db:      db,
		meta:    meta,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		mailbox: make(chan command, opts.MailboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Stopped is closed once the worker goroutine has exited.
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

// Err is the error that stopped the worker, if any.
func (w *Worker) Err() error {
	select {
	case <-w.stopped:
		return w.fatal
	default:
		return nil
	}
}

func (w *Worker) closing() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// stopErr must only be called by the worker goroutine or after stopped is
// closed.
func (w *Worker) stopErr() error {
	if w.fatal != nil {
		return fmt.Errorf("%w: %w", tank_errors.ErrWorkerStopped, w.fatal)
	}
	return tank_errors.ErrClosed
}

// Close stops the worker and waits up to CloseTimeout for it to exit.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	// never started
	w.startOnce.Do(func() {
		close(w.stopped)
	})
	select {
	case <-w.stopped:
		return nil
	case <-time.After(w.opts.CloseTimeout):
		return errors.Wrap(tank_errors.ErrTimedOut, "index worker did not stop")
	}
}

func (w *Worker) run() {
	ctx := utils.WithDefaultArgs(context.Background(), "process", "index_worker")
	defer close(w.stopped)
	defer w.failPending()
	defer w.metrics.WorkerState.Set(stateStopped)

	w.logger.InfoCtx(ctx, "index worker started", "indices", len(w.meta.defs), "deleting", len(w.meta.deleting))
	wake := w.log.Wake()
	for {
		select {
		case <-w.done:
			return
		default:
		}
		w.metrics.WorkerState.Set(stateBusy)
		failed := false

		ran := w.drain(ctx)

		scanned, err := w.scanChunk(ctx)
		if err != nil {
			if w.handleError(ctx, "scan", err) {
				return
			}
			failed = true
		}

		purged, err := w.purgeChunk(ctx)
		if err != nil {
			if w.handleError(ctx, "purge", err) {
				return
			}
			failed = true
		}

		if !failed && ran+scanned+purged > 0 {
			continue
		}

		w.metrics.WorkerState.Set(stateIdle)
		var retry <-chan time.Time
		if failed {
			retry = time.After(w.opts.RetryInterval)
		}
		select {
		case cmd := <-w.mailbox:
			w.exec(ctx, cmd)
		case <-wake:
		case <-retry:
		case <-w.done:
			return
		}
	}
}

// handleError reports whether err is fatal.
func (w *Worker) handleError(ctx context.Context, stage string, err error) bool {
	w.metrics.WorkerErrors.WithLabelValues(stage).Inc()
	if errors.Is(err, tank_errors.ErrCorruptStorage) {
		w.logger.ErrorCtx(ctx, "index worker stopped", "stage", stage, "err", err)
		w.fatal = err
		return true
	}
	w.logger.WarnCtx(ctx, "index worker iteration failed", "stage", stage, "err", err, "retry", w.opts.RetryInterval)
	return false
}

// drain runs the commands already queued.
func (w *Worker) drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case cmd := <-w.mailbox:
			w.exec(ctx, cmd)
			n++
		default:
			return n
		}
	}
}

func (w *Worker) failPending() {
	for {
		select {
		case cmd := <-w.mailbox:
			cmd.fail(w.stopErr())
		default:
			return
		}
	}
}

func (w *Worker) exec(ctx context.Context, cmd command) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorCtx(ctx, "index command panicked", "command", cmd.name(), "panic", r)
			cmd.fail(fmt.Errorf("tank: %s panicked: %v", cmd.name(), r))
		}
		w.metrics.CommandDuration.WithLabelValues(cmd.name()).Observe(time.Since(start).Seconds())
	}()
	switch c := cmd.(type) {
	case *addIndexCmd:
		def, err := w.meta.AddIndex(c.propname, c.syntype, c.datapaths)
		if err == nil {
			w.logger.InfoCtx(ctx, "index added", "index", def.Propname, "iid", def.Iid, "type", def.Syntype)
			w.metrics.IndexLag.WithLabelValues(def.Propname).Set(float64(w.log.Len()))
		}
		c.reply(def, err)
	case *delIndexCmd:
		err := w.meta.DelIndex(c.propname)
		if err == nil {
			w.logger.InfoCtx(ctx, "index deleted", "index", c.propname)
			w.metrics.IndexLag.DeleteLabelValues(c.propname)
		}
		c.reply(struct{}{}, err)
	case *pauseIndexCmd:
		c.reply(struct{}{}, w.meta.PauseIndex(c.propname))
	case *resumeIndexCmd:
		c.reply(struct{}{}, w.meta.ResumeIndex(c.propname))
	case *getIndicesCmd:
		c.reply(w.meta.Indices(w.log.Len()), nil)
	default:
		cmd.fail(errors.Wrapf(tank_errors.ErrInvalidArgument, "unknown command %s", cmd.name()))
	}
}

type scanTarget struct {
	def      IndexDef
	progress Progress
	touched  bool
	good     int
	failed   int
}

// extract tries the datapaths in order; the first non-null field wins.
func (w *Worker) extract(record any, paths []string) (any, bool) {
	if record == nil {
		return nil, false
	}
	for _, path := range paths {
		if v, ok := w.opts.Paths.Extract(record, path); ok {
			return v, true
		}
	}
	return nil, false
}

func writeEntry(batch *pebble.Batch, iid uuid.UUID, off uint64, norm any) error {
	enc, err := keys.Encode(norm, false)
	if err != nil {
		return err
	}
	val, err := codec.Marshal(norm)
	if err != nil {
		return err
	}
	if err := batch.Set(entryKey(iid, enc, off), val, nil); err != nil {
		return err
	}
	return batch.Set(reverseKey(off, iid), enc, nil)
}

// scanChunk indexes up to ChunkSize records from the lowest progress of the
// scannable indices and returns how many records it looked at.
func (w *Worker) scanChunk(ctx context.Context) (int, error) {
	defs := w.meta.Scannable()
	if len(defs) == 0 {
		return 0, nil
	}
	lowest := w.meta.LowestProgress()
	logLen := w.log.Len()
	if lowest > logLen {
		return 0, errors.Wrapf(tank_errors.ErrCorruptStorage, "index progress %d is past the log end %d", lowest, logLen)
	}
	if lowest == logLen {
		return 0, nil
	}
	start := time.Now()
	rows, err := w.log.Rows(lowest, w.opts.ChunkSize)
	if err != nil || len(rows) == 0 {
		return 0, err
	}

	targets := make([]scanTarget, len(defs))
	for i, def := range defs {
		if err := w.meta.checkProgress(def.Iid); err != nil {
			return 0, err
		}
		p, _ := w.meta.Progress(def.Iid)
		targets[i] = scanTarget{def: def, progress: p}
	}
	// A batch left uncommitted on close is dropped; progress stays behind
	// it and the records are scanned again on the next open.
	batch := w.db.NewBatch()
	defer batch.Close()
	for _, row := range rows {
		if w.closing() {
			return 0, nil
		}
		record, err := codec.Unmarshal(row.Value)
		if err != nil {
			w.logger.DebugCtx(ctx, "undecodable record", "offset", row.Offset, "err", err)
			record = nil
		}
		for i := range targets {
			t := &targets[i]
			if t.progress.NextOffset > row.Offset {
				continue
			}
			t.progress.NextOffset = row.Offset + 1
			t.touched = true
			raw, ok := w.extract(record, t.def.Datapaths)
			if !ok {
				continue
			}
			norm, err := w.opts.Types.Normalize(t.def.Syntype, raw)
			if err == nil {
				err = writeEntry(batch, t.def.Iid, row.Offset, norm)
			}
			switch {
			case err == nil:
				t.progress.NGood++
				t.good++
			case errors.Is(err, tank_errors.ErrInvalidValue),
				errors.Is(err, tank_errors.ErrUnknownType),
				errors.Is(err, keys.ErrUnsupportedValue):
				t.progress.NNormFail++
				t.failed++
			default:
				return 0, errors.Wrapf(err, "index record %d for %q", row.Offset, t.def.Propname)
			}
		}
	}
	for _, t := range targets {
		if t.touched {
			if err := batch.Set(progressKey(t.def.Iid), t.progress.Encode(), nil); err != nil {
				return 0, err
			}
		}
	}
	if w.closing() {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "commit index chunk")
	}

	logLen = w.log.Len()
	for _, t := range targets {
		if !t.touched {
			continue
		}
		w.meta.setProgress(t.def.Iid, t.progress)
		w.metrics.IndexedRows.WithLabelValues(t.def.Propname).Add(float64(t.good))
		w.metrics.NormFailures.WithLabelValues(t.def.Propname).Add(float64(t.failed))
		w.metrics.IndexLag.WithLabelValues(t.def.Propname).Set(float64(logLen - min(logLen, t.progress.NextOffset)))
	}
	w.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	w.logger.DebugCtx(ctx, "indexed chunk", "from", lowest, "records", len(rows), "indices", len(targets))
	return len(rows), nil
}

// purgeIndex queues deletes for up to budget entries of iid. exhausted is
// true when nothing of iid is left after them.
func (w *Worker) purgeIndex(batch *pebble.Batch, iid uuid.UUID, budget int) (n int, exhausted bool, err error) {
	prefix := entryPrefix(iid)
	it, err := w.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keys.PrefixEnd(prefix),
	})
	if err != nil {
		return 0, false, errors.Wrap(err, "index entry iterator")
	}
	defer it.Close()
	valid := it.First()
	for ; valid && n < budget; valid = it.Next() {
		key := it.Key()
		if err := batch.Delete(key, nil); err != nil {
			return n, false, err
		}
		if err := batch.Delete(reverseKey(entryKeyOffset(key), iid), nil); err != nil {
			return n, false, err
		}
		n++
	}
	if err := it.Error(); err != nil {
		return n, false, err
	}
	return n, !valid, nil
}

// purgeChunk removes up to RemoveChunkSize entries of deleted indices.
func (w *Worker) purgeChunk(ctx context.Context) (int, error) {
	deleting := w.meta.Deleting()
	if len(deleting) == 0 {
		return 0, nil
	}
	batch := w.db.NewBatch()
	defer batch.Close()
	budget := w.opts.RemoveChunkSize
	removed := 0
	var complete []uuid.UUID
	for _, iid := range deleting {
		if budget == 0 || w.closing() {
			break
		}
		n, exhausted, err := w.purgeIndex(batch, iid, budget)
		if err != nil {
			return 0, err
		}
		budget -= n
		removed += n
		if exhausted {
			complete = append(complete, iid)
		}
	}
	if w.closing() {
		return 0, nil
	}
	if removed > 0 {
		if err := batch.Commit(pebble.Sync); err != nil {
			return 0, errors.Wrap(err, "commit purge")
		}
		w.metrics.PurgedEntries.Add(float64(removed))
	}
	for _, iid := range complete {
		if err := w.meta.MarkDeleteComplete(iid); err != nil {
			return removed, err
		}
		w.logger.InfoCtx(ctx, "deleted index purged", "iid", iid)
	}
	return removed + len(complete), nil
}
