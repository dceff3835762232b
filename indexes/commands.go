package indexes

import (
	"context"
	"sync"
	"time"

	"github.com/drpcorg/tank/tank_errors"
	"github.com/pkg/errors"
)

// command is one mailbox message. The set of commands is closed: only the
// types in this file implement it.
type command interface {
	name() string
	fail(err error)
}

type result[T any] struct {
	val T
	err error
}

// slot is a one-shot response channel. Only the first answer is kept and
// the worker never blocks on it.
type slot[T any] struct {
	ch   chan result[T]
	once sync.Once
}

func (s *slot[T]) open() *slot[T] {
	s.ch = make(chan result[T], 1)
	return s
}

func (s *slot[T]) reply(val T, err error) {
	s.once.Do(func() {
		s.ch <- result[T]{val: val, err: err}
	})
}

func (s *slot[T]) fail(err error) {
	var zero T
	s.reply(zero, err)
}

type addIndexCmd struct {
	slot[IndexDef]
	propname  string
	syntype   string
	datapaths []string
}

func (*addIndexCmd) name() string { return "add_index" }

type delIndexCmd struct {
	slot[struct{}]
	propname string
}

func (*delIndexCmd) name() string { return "del_index" }

type pauseIndexCmd struct {
	slot[struct{}]
	propname string
}

func (*pauseIndexCmd) name() string { return "pause_index" }

type resumeIndexCmd struct {
	slot[struct{}]
	propname string
}

func (*resumeIndexCmd) name() string { return "resume_index" }

type getIndicesCmd struct {
	slot[[]IndexInfo]
}

func (*getIndicesCmd) name() string { return "get_indices" }

// call posts cmd and waits for its answer. Timing out leaves the command
// in place: it may still run later.
func call[T any](ctx context.Context, w *Worker, cmd command, s *slot[T]) (T, error) {
	var zero T
	select {
	case <-w.done:
		return zero, tank_errors.ErrClosed
	case <-w.stopped:
		return zero, w.stopErr()
	default:
	}
	start := time.Now()
	timer := time.NewTimer(w.opts.CommandTimeout)
	defer timer.Stop()
	timedOut := func() (T, error) {
		w.metrics.CommandTimeouts.WithLabelValues(cmd.name()).Inc()
		return zero, errors.Wrapf(tank_errors.ErrTimedOut, "%s after %s", cmd.name(), time.Since(start))
	}

	select {
	case w.mailbox <- cmd:
	case <-timer.C:
		return timedOut()
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.stopped:
		return zero, w.stopErr()
	}

	select {
	case res := <-s.ch:
		return res.val, res.err
	case <-timer.C:
		return timedOut()
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.stopped:
		select {
		case res := <-s.ch:
			return res.val, res.err
		default:
			return zero, w.stopErr()
		}
	}
}

func (w *Worker) AddIndex(ctx context.Context, propname, syntype string, datapaths []string) (IndexDef, error) {
	cmd := &addIndexCmd{
		propname:  propname,
		syntype:   syntype,
		datapaths: datapaths,
	}
	return call(ctx, w, cmd, cmd.open())
}

func (w *Worker) DelIndex(ctx context.Context, propname string) error {
	cmd := &delIndexCmd{propname: propname}
	_, err := call(ctx, w, cmd, cmd.open())
	return err
}

// PauseIndex stops scanning one index, or all of them for an empty name.
func (w *Worker) PauseIndex(ctx context.Context, propname string) error {
	cmd := &pauseIndexCmd{propname: propname}
	_, err := call(ctx, w, cmd, cmd.open())
	return err
}

func (w *Worker) ResumeIndex(ctx context.Context, propname string) error {
	cmd := &resumeIndexCmd{propname: propname}
	_, err := call(ctx, w, cmd, cmd.open())
	return err
}

func (w *Worker) GetIndices(ctx context.Context) ([]IndexInfo, error) {
	cmd := &getIndicesCmd{}
	return call(ctx, w, cmd, cmd.open())
}
