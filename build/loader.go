// Copyright (C) 2023 Cedrus DB, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package build

import (
	"sync"

	"github.com/cedrusdb/cedrus/btree"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/scan"
	"github.com/cedrusdb/cedrus/stage"
)

// task is one unit of builder work. threadID selects the thread
// context for sort tasks and is -1 otherwise.
type task struct {
	builder  *Builder
	threadID int
}

// taskQueue is the loader's work queue: a mutex/condvar guarded slice
// in the style of a sorting thread pool's request list. The queue
// closes itself when the outstanding count drains to zero, so workers
// need no separate shutdown signal.
type taskQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []task
	outstanding int
	closed      bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// add enqueues a task. Tasks may enqueue follow-up tasks before they
// report done, which keeps the queue open across phase transitions.
func (q *taskQueue) add(t task) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, t)
		q.outstanding++
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// take blocks for the next task; false means the queue has drained
// and closed.
func (q *taskQueue) take() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.items) == 0 {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return task{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// done retires one task; the last one closes the queue.
func (q *taskQueue) done() {
	q.mu.Lock()
	q.outstanding--
	if q.outstanding == 0 {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// signal wakes every waiting worker so they can re-check for
// cancellation.
func (q *taskQueue) signal() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Loader owns the whole build of a table's target indexes: it runs
// the parallel scan, then serves builder tasks to a worker pool until
// every builder parks in a terminal state.
type Loader struct {
	ctx      *Context
	builders []*Builder
	reg      dberr.Register
	workers  int
}

// NewLoader prepares one builder per target index.
func NewLoader(ctx *Context) (*Loader, error) {
	if err := ctx.Cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loader{ctx: ctx}
	l.workers = ctx.Cfg.Workers
	if ctx.needsSerialScan() {
		// virtual columns, FTS targets and clustered rebuilds
		// serialize the pipeline; the builders below are created
		// with a single thread context
		l.workers = 1
	}
	for i, idx := range ctx.Targets {
		l.builders = append(l.builders, newBuilder(ctx, idx, i, l.workers, &l.reg))
	}
	return l, nil
}

// Builders exposes the per-index builders, mostly for inspection.
func (l *Loader) Builders() []*Builder { return l.builders }

// Err returns the loader-wide error register value.
func (l *Loader) Err() dberr.Err { return l.reg.Get() }

// BuildAll runs the pipeline: scan, per-thread sorts, merges, tree
// builds. It returns the first error any worker stored.
func (l *Loader) BuildAll() error {
	ctx := l.ctx
	ctx.Stage.Begin(stage.PhaseScan)

	scanner := scan.New(ctx.Pool, ctx.Source, scan.Config{
		Workers:         l.workers,
		InterruptPeriod: ctx.Cfg.InterruptCheckRows,
		View:            ctx.View,
		Versions:        ctx.Versions,
		Interrupt:       l.checkInterrupt,
		ErrReg:          &l.reg,
	})
	scanErr := scanner.Scan(&scanAdapter{l: l})

	for _, b := range l.builders {
		if scanErr != nil {
			if e, ok := scanErr.(dberr.Err); ok {
				b.SetError(e)
			} else {
				b.SetError(dberr.Error)
			}
			continue
		}
		if err := b.endOfScan(); err != nil {
			ctx.logger().Debug().Err(err).Str("index", b.index.Name).Msg("end of scan failed")
		}
	}

	q := newTaskQueue()
	n := 0
	for _, b := range l.builders {
		if !b.State().Terminal() {
			q.add(task{builder: b, threadID: -1})
			n++
		}
	}
	if n > 0 {
		var wg sync.WaitGroup
		for w := 0; w < l.workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.serve(q)
			}()
		}
		wg.Wait()
	}

	if l.reg.Failed() {
		err := l.reg.Get()
		for _, b := range l.builders {
			b.abort()
		}
		l.logFailure(err)
		return err
	}
	for _, b := range l.builders {
		if b.State() != StateStop {
			l.reg.Set(dberr.Error)
			return dberr.Error
		}
	}
	return nil
}

// serve is one worker's loop.
func (l *Loader) serve(q *taskQueue) {
	for {
		t, ok := q.take()
		if !ok {
			return
		}
		l.exec(q, t)
		q.done()
		if l.reg.Failed() {
			// wake idle workers so they observe the error too
			q.signal()
		}
	}
}

// exec dispatches a task on the builder's current state.
func (l *Loader) exec(q *taskQueue, t task) {
	b := t.builder
	enqueue := func(nt task) { q.add(nt) }
	var err error
	switch b.State() {
	case StateSetupSort:
		err = b.setupSort(enqueue)
	case StateSort:
		err = b.sortTask(t.threadID, enqueue)
	case StateBtreeBuild:
		err = b.btreeBuild(enqueue)
	case StateFTSSortAndBuild:
		err = b.ftsBuild(enqueue)
	case StateFinish:
		err = b.finish()
	case StateError:
		b.abort()
	}
	if err != nil && b.State() != StateError {
		b.SetError(dberr.Error)
	}
}

// checkInterrupt reports the host interrupt flag to the scan's
// cancellation poll; the shared error register reaches the scan
// separately through scan.Config.ErrReg.
func (l *Loader) checkInterrupt() bool {
	return l.ctx.Observer != nil && l.ctx.Observer.CheckInterrupted()
}

// logFailure writes fatal-environmental errors to the host message
// log; cancellation stays quiet.
func (l *Loader) logFailure(err dberr.Err) {
	switch err {
	case dberr.Interrupted:
		l.ctx.logger().Debug().Str("table", l.ctx.Table.Name).Msg("index build interrupted")
	case dberr.OutOfMemory, dberr.OutOfFileSpace, dberr.IOError, dberr.TempFileWriteFail:
		l.ctx.logger().Error().Err(err).Str("table", l.ctx.Table.Name).Msg("index build failed")
	default:
		l.ctx.logger().Info().Err(err).Str("table", l.ctx.Table.Name).Msg("index build aborted")
	}
}

// scanAdapter routes scan rows into every builder and exercises the
// savepoint protocol at page boundaries.
type scanAdapter struct {
	l *Loader
}

func (a *scanAdapter) Start(int) error { return nil }

func (a *scanAdapter) Row(tid int, row *scan.Row) error {
	for _, b := range a.l.builders {
		if err := b.AddRow(tid, row); err != nil {
			return err
		}
	}
	return nil
}

func (a *scanAdapter) PageBoundary(tid int, c *btree.ReadCursor) error {
	// savepoint and restore at once: the leaf latch is released and
	// reacquired with no work in between. Spill I/O runs inside Row,
	// while the leaf latch is held.
	sp := c.Savepoint()
	err := c.RestoreSavepoint(sp)
	return err
}

func (a *scanAdapter) End(tid int, err error) {
	if err != nil && err != dberr.EndOfIndex {
		a.l.ctx.logger().Debug().Err(err).Int("thread", tid).Msg("scan worker stopped")
	}
}
