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
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/cedrusdb/cedrus/btree"
	"github.com/cedrusdb/cedrus/dberr"
	"github.com/cedrusdb/cedrus/extsort"
	"github.com/cedrusdb/cedrus/rec"
	"github.com/cedrusdb/cedrus/scan"
	"github.com/cedrusdb/cedrus/schema"
	"github.com/cedrusdb/cedrus/sortbuf"
	"github.com/cedrusdb/cedrus/stage"
)

// State is a builder's position in the pipeline.
type State int32

const (
	StateInit State = iota
	StateAdd
	StateSetupSort
	StateSort
	StateBtreeBuild
	StateFTSSortAndBuild
	StateFinish
	StateStop
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAdd:
		return "add"
	case StateSetupSort:
		return "setup-sort"
	case StateSort:
		return "sort"
	case StateBtreeBuild:
		return "btree-build"
	case StateFTSSortAndBuild:
		return "fts-sort-and-build"
	case StateFinish:
		return "finish"
	case StateStop:
		return "stop"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateStop || s == StateError }

// legal holds the forward edges of the state DAG. ERROR is reachable
// from every non-terminal state implicitly.
var legal = map[State][]State{
	StateInit:            {StateAdd},
	StateAdd:             {StateFTSSortAndBuild, StateFinish, StateSetupSort},
	StateSetupSort:       {StateSort, StateBtreeBuild},
	StateSort:            {StateBtreeBuild},
	StateBtreeBuild:      {StateFinish},
	StateFTSSortAndBuild: {StateFinish},
	StateFinish:          {StateStop},
}

// threadCtx is one scan thread's staging state for one builder.
type threadCtx struct {
	buf   *sortbuf.Buffer
	ioBuf []byte

	file     *extsort.File
	offsets  []int64 // run start offsets
	runStart int64   // final run start once sorted

	// in-buffer adjacent check state (clustered fast path)
	prev     rec.Tuple
	havePrev bool

	rows      uint64
	dataSize  uint64
	extraSize uint64
}

// Builder drives the build of one target index.
type Builder struct {
	ctx   *Context
	index *schema.Index
	id    int

	state   atomic.Int32
	err     dberr.Register
	loadReg *dberr.Register // loader-wide register, stops the scan

	threads []*threadCtx
	conv    *converter

	btl *btree.Loader
	dup *rec.Dup

	// skipFileSort: a clustered target consumes the scan in key
	// order, straight into the B-tree loader.
	skipFileSort bool

	pending atomic.Int32 // outstanding SORT tasks
	nRows   atomic.Uint64
	docID   atomic.Uint64
}

func newBuilder(ctx *Context, idx *schema.Index, id, nThreads int, loadReg *dberr.Register) *Builder {
	b := &Builder{
		ctx:          ctx,
		index:        idx,
		id:           id,
		loadReg:      loadReg,
		skipFileSort: idx.IsClustered(),
	}
	b.dup = &rec.Dup{Index: idx, Report: func(t rec.Tuple) {
		if ctx.DupReport != nil {
			ctx.DupReport(idx, t)
		}
	}}
	for i := 0; i < nThreads; i++ {
		b.threads = append(b.threads, &threadCtx{
			buf:   sortbuf.New(idx, ctx.Cfg.ScanBufferBytes, ctx.Cfg.MaxBufferTuples),
			ioBuf: make([]byte, ctx.Cfg.MergeIOBufferBytes),
		})
	}
	b.conv = newConverter(b)
	return b
}

// Index returns the target index.
func (b *Builder) Index() *schema.Index { return b.index }

// NRows returns the rows accepted so far.
func (b *Builder) NRows() uint64 { return b.nRows.Load() }

// State returns the current state.
func (b *Builder) State() State { return State(b.state.Load()) }

// Err returns the builder's error register value.
func (b *Builder) Err() dberr.Err { return b.err.Get() }

// SetError stores the first failure and moves the state machine to
// its terminal error state. Later calls keep the first error.
func (b *Builder) SetError(e dberr.Err) {
	if b.err.Set(e) {
		b.state.Store(int32(StateError))
		if b.loadReg != nil {
			b.loadReg.Set(e)
		}
	}
}

// setState performs one legal forward transition. A transition from a
// state that already moved on (another thread won) is ignored; a
// backward edge is a bug.
func (b *Builder) setState(from, to State) bool {
	if b.State() == StateError {
		return false
	}
	for _, next := range legal[from] {
		if next == to {
			return b.state.CompareAndSwap(int32(from), int32(to))
		}
	}
	panic("build: illegal state transition " + from.String() + " -> " + to.String())
}

// AddRow converts one scanned row and stages the resulting tuples.
// Called from scan workers; tid selects the thread context.
func (b *Builder) AddRow(tid int, row *scan.Row) error {
	if b.State() == StateInit {
		b.setState(StateInit, StateAdd)
	}
	if b.err.Failed() {
		return b.Err()
	}
	if b.index.IsFTS() {
		docID, err := b.conv.docIDFor(row)
		if err != nil {
			b.SetError(dberr.AutoincReadError)
			return err
		}
		b.ctx.FTS.Enqueue(docID, row.Tuple)
		b.nRows.Add(1)
		return nil
	}
	tuples, err := b.conv.convert(row)
	if err != nil {
		if e, ok := err.(dberr.Err); ok {
			b.SetError(e)
		} else {
			b.SetError(dberr.Error)
		}
		return err
	}
	tc := b.threads[tid]
	for _, t := range tuples {
		if err := b.stageTuple(tc, t); err != nil {
			return err
		}
	}
	b.ctx.Stage.Inc(1)
	return nil
}

// stageTuple pushes one tuple into the thread's sort buffer, spilling
// on overflow. The clustered fast path checks key order and adjacent
// duplicates as rows arrive.
func (b *Builder) stageTuple(tc *threadCtx, t rec.Tuple) error {
	if b.skipFileSort && tc.havePrev {
		cmp := rec.Compare(b.index, tc.prev, t)
		if cmp > 0 {
			b.SetError(dberr.DataNotSorted)
			return dberr.DataNotSorted
		}
		if rec.UniqueMatch(b.index, tc.prev, t) {
			b.dup.ReportDup(t)
			b.SetError(dberr.DuplicateKey)
			return dberr.DuplicateKey
		}
	}
	size := rec.DataSize(t)
	if err := tc.buf.Push(t, size); err == sortbuf.ErrOverflow {
		if ferr := b.flushBuffer(tc); ferr != nil {
			return ferr
		}
		if err := tc.buf.Push(t, size); err != nil {
			b.SetError(dberr.TooBigRecord)
			return dberr.TooBigRecord
		}
	} else if err != nil {
		return err
	}
	tc.buf.DeepCopyLast()
	if b.skipFileSort {
		tc.prev = tc.buf.Back()
		tc.havePrev = true
	}
	tc.rows++
	tc.dataSize += uint64(size)
	tc.extraSize += uint64(rec.ExtraSize(b.index, t))
	b.nRows.Add(1)
	return nil
}

// flushBuffer empties a full sort buffer: the clustered fast path
// streams it into the B-tree loader, the normal path sorts and
// serializes it as one spill run.
func (b *Builder) flushBuffer(tc *threadCtx) error {
	if tc.buf.IsEmpty() {
		return nil
	}
	if b.skipFileSort {
		if err := b.drainToTree(tc); err != nil {
			return err
		}
		tc.buf.Clear()
		return nil
	}
	tc.buf.Sort(b.dup)
	if b.index.Unique && !b.dup.Empty() {
		b.SetError(dberr.DuplicateKey)
		return dberr.DuplicateKey
	}
	if tc.file == nil {
		f, err := extsort.NewTempFile(b.ctx.Cfg.TmpDir)
		if err != nil {
			b.SetError(dberr.OutOfFileSpace)
			return dberr.OutOfFileSpace
		}
		tc.file = f
	}
	start := tc.file.Size()
	err := tc.buf.Serialize(tc.ioBuf, extsort.BlockSize, func(block []byte) error {
		_, werr := tc.file.Append(block)
		return werr
	})
	if err != nil {
		if e, ok := err.(dberr.Err); ok {
			b.SetError(e)
		} else {
			b.SetError(dberr.TempFileWriteFail)
		}
		return err
	}
	tc.offsets = append(tc.offsets, start)
	tc.buf.Clear()
	return nil
}

// drainToTree feeds the buffer's tuples (already in key order) to the
// B-tree loader.
func (b *Builder) drainToTree(tc *threadCtx) error {
	if b.btl == nil {
		b.btl = btree.NewLoader(b.index, btree.Config{
			Pool:       b.ctx.Pool,
			Observer:   b.ctx.Observer,
			Hint:       b.ctx.Hint,
			Blob:       b.ctx.Blob,
			Throttle:   b.ctx.Throttle,
			FillFactor: b.ctx.Cfg.FillFactor,
		})
	}
	for _, t := range tc.buf.Tuples() {
		if err := b.btl.Insert(t, 0); err != nil {
			if e, ok := err.(dberr.Err); ok {
				b.SetError(e)
			} else {
				b.SetError(dberr.Error)
			}
			return err
		}
	}
	return nil
}

// endOfScan flushes every thread's remainder and decides the next
// state: FTS targets hand off to the tokenizer pipeline, clustered
// targets go straight to finish, everything else sets up the sorts.
func (b *Builder) endOfScan() error {
	if b.State() == StateInit {
		// empty source: no row ever arrived
		b.setState(StateInit, StateAdd)
	}
	if b.err.Failed() {
		return b.Err()
	}
	switch {
	case b.index.IsFTS():
		b.setState(StateAdd, StateFTSSortAndBuild)
	case b.skipFileSort:
		for _, tc := range b.threads {
			if err := b.flushBuffer(tc); err != nil {
				return err
			}
		}
		b.setState(StateAdd, StateFinish)
	default:
		// when nothing spilled during the scan the rows stay in
		// memory and feed the tree directly; once any thread has a
		// file, every remainder becomes a run so the merge sees
		// the whole input
		spilled := false
		for _, tc := range b.threads {
			if tc.file != nil {
				spilled = true
				break
			}
		}
		if spilled {
			for _, tc := range b.threads {
				if err := b.flushBuffer(tc); err != nil {
					return err
				}
			}
		}
		b.setState(StateAdd, StateSetupSort)
	}
	return nil
}

// setupSort enqueues one sort task per thread holding a spill file
// and moves to the sort state. With nothing spilled the builder jumps
// straight to the tree build.
func (b *Builder) setupSort(enqueue func(task)) error {
	n := 0
	for _, tc := range b.threads {
		if tc.file != nil {
			n++
		}
	}
	b.ctx.Stage.Begin(stage.PhaseSort)
	if n == 0 {
		b.setState(StateSetupSort, StateBtreeBuild)
		enqueue(task{builder: b, threadID: -1})
		return nil
	}
	b.pending.Store(int32(n))
	b.setState(StateSetupSort, StateSort)
	for tid, tc := range b.threads {
		if tc.file != nil {
			enqueue(task{builder: b, threadID: tid})
		}
	}
	return nil
}

// sortTask merge-sorts one thread's spill file down to a single run.
// The last task to finish moves the builder on and enqueues the tree
// build.
func (b *Builder) sortTask(tid int, enqueue func(task)) error {
	tc := b.threads[tid]
	fs := &extsort.FileSort{
		Index:     b.index,
		NWay:      b.ctx.Cfg.NWayMerge,
		BufSize:   b.ctx.Cfg.MergeIOBufferBytes,
		TmpDir:    b.ctx.Cfg.TmpDir,
		Interrupt: b.interrupted,
	}
	if b.index.Unique {
		fs.Dup = b.dup
	}
	out, start, err := fs.Sort(tc.file, tc.offsets)
	if err != nil {
		if e, ok := err.(dberr.Err); ok {
			b.SetError(e)
		} else {
			b.SetError(dberr.IOError)
		}
		return err
	}
	if b.index.Unique && !b.dup.Empty() {
		b.SetError(dberr.DuplicateKey)
		return dberr.DuplicateKey
	}
	if out != tc.file {
		tc.file.Close()
		tc.file = out
	}
	tc.runStart = start
	tc.offsets = tc.offsets[:0]

	if b.pending.Add(-1) == 0 {
		b.setState(StateSort, StateBtreeBuild)
		enqueue(task{builder: b, threadID: -1})
	}
	return nil
}

func (b *Builder) interrupted() bool {
	if b.ctx.Observer != nil && b.ctx.Observer.CheckInterrupted() {
		return true
	}
	return b.err.Failed() || (b.loadReg != nil && b.loadReg.Failed())
}

// btreeBuild merges the per-thread runs and bulk-loads the tree.
func (b *Builder) btreeBuild(enqueue func(task)) error {
	b.ctx.Stage.Begin(stage.PhaseInsert)
	var files []*threadCtx
	for _, tc := range b.threads {
		if tc.file != nil {
			files = append(files, tc)
		}
	}

	if b.index.Unique && len(files) > 1 {
		if err := b.checkDuplicates(files); err != nil {
			return err
		}
	}

	var cur btree.Cursor
	if len(files) == 0 {
		cur = b.memCursor()
	} else {
		mc := extsort.NewMergeCursor(b.index, b.dup)
		for _, tc := range files {
			mc.AddFile(tc.file, b.ctx.Cfg.MergeIOBufferBytes, tc.runStart, tc.file.Size())
		}
		if err := mc.Open(); err != nil {
			b.SetError(dberr.IOError)
			return err
		}
		cur = &mergeCursorAdapter{mc: mc, dup: b.dup, unique: b.index.Unique}
	}

	if b.btl == nil {
		b.btl = btree.NewLoader(b.index, btree.Config{
			Pool:       b.ctx.Pool,
			Observer:   b.ctx.Observer,
			Hint:       b.ctx.Hint,
			Blob:       b.ctx.Blob,
			Throttle:   b.ctx.Throttle,
			FillFactor: b.ctx.Cfg.FillFactor,
		})
	}
	if err := b.btl.Build(cur); err != nil {
		if e, ok := err.(dberr.Err); ok {
			b.SetError(e)
		} else {
			b.SetError(dberr.Error)
		}
		b.btl = nil
		return err
	}
	b.setState(StateBtreeBuild, StateFinish)
	enqueue(task{builder: b, threadID: -1})
	return nil
}

// checkDuplicates verifies that no unique-key collision crosses run
// boundaries before the main merge commits any page.
func (b *Builder) checkDuplicates(files []*threadCtx) error {
	mc := extsort.NewMergeCursor(b.index, b.dup)
	for _, tc := range files {
		mc.AddFile(tc.file, b.ctx.Cfg.MergeIOBufferBytes, tc.runStart, tc.file.Size())
	}
	if err := mc.Open(); err != nil {
		b.SetError(dberr.IOError)
		return err
	}
	var prev rec.Tuple
	havePrev := false
	for {
		t, err := mc.Fetch()
		if err == dberr.EndOfIndex {
			break
		}
		if err != nil {
			b.SetError(dberr.IOError)
			return err
		}
		if havePrev && rec.UniqueMatch(b.index, prev, t) {
			b.dup.ReportDup(t)
		}
		if !b.dup.Empty() {
			b.SetError(dberr.DuplicateKey)
			return dberr.DuplicateKey
		}
		prev = t.Clone()
		havePrev = true
		if err := mc.Next(); err != nil && err != dberr.EndOfIndex {
			b.SetError(dberr.IOError)
			return err
		}
	}
	return nil
}

// memCursor serves the no-spill case: every row still sits in the
// sort buffers. The staged tuples collapse into one slice, sort
// once, and feed the loader directly.
func (b *Builder) memCursor() btree.Cursor {
	var all []rec.Tuple
	for _, tc := range b.threads {
		all = append(all, tc.buf.Tuples()...)
	}
	slices.SortFunc(all, func(x, y rec.Tuple) int {
		return rec.Compare(b.index, x, y)
	})
	if b.index.Unique {
		for i := 1; i < len(all); i++ {
			if rec.UniqueMatch(b.index, all[i-1], all[i]) {
				b.dup.ReportDup(all[i])
				break
			}
		}
	}
	return &bufCursorAdapter{tuples: all, dup: b.dup, unique: b.index.Unique}
}

// ftsBuild hands the scan result to the tokenizer pipeline and waits
// for its trees.
func (b *Builder) ftsBuild(enqueue func(task)) error {
	if b.ctx.FTS == nil {
		b.SetError(dberr.Error)
		return dberr.Error
	}
	if err := b.ctx.FTS.ScanFinished(nil); err != nil {
		b.SetError(dberr.Error)
		return err
	}
	if err := b.ctx.FTS.Insert(); err != nil {
		b.SetError(dberr.Error)
		return err
	}
	b.setState(StateFTSSortAndBuild, StateFinish)
	enqueue(task{builder: b, threadID: -1})
	return nil
}

// finish commits the tree (clustered fast path finishes it here),
// flushes the observer exactly once, and parks the builder.
func (b *Builder) finish() error {
	if b.err.Failed() {
		return b.Err()
	}
	if b.skipFileSort || b.index.IsFTS() {
		if b.btl == nil && !b.index.IsFTS() {
			// empty clustered source still produces a root
			b.btl = btree.NewLoader(b.index, btree.Config{
				Pool:       b.ctx.Pool,
				Observer:   b.ctx.Observer,
				Hint:       b.ctx.Hint,
				FillFactor: b.ctx.Cfg.FillFactor,
			})
		}
		if b.btl != nil {
			if err := b.btl.Finish(nil); err != nil {
				if e, ok := err.(dberr.Err); ok {
					b.SetError(e)
				} else {
					b.SetError(dberr.Error)
				}
				return err
			}
		}
	}
	b.closeFiles()
	b.ctx.Stage.Begin(stage.PhaseFlush)
	if b.ctx.Observer != nil {
		b.ctx.Observer.Flush()
	}
	b.ctx.Stage.Begin(stage.PhaseDone)
	b.setState(StateFinish, StateStop)
	return nil
}

// abort tears the builder down after a failure: files close, pages
// already persisted are left to the drop-on-abort path.
func (b *Builder) abort() {
	b.closeFiles()
}

func (b *Builder) closeFiles() {
	for _, tc := range b.threads {
		if tc.file != nil {
			tc.file.Close()
			tc.file = nil
		}
	}
}

// mergeCursorAdapter adapts the extsort merge cursor to the B-tree
// loader's cursor interface.
type mergeCursorAdapter struct {
	mc     *extsort.MergeCursor
	dup    *rec.Dup
	unique bool
}

func (a *mergeCursorAdapter) Fetch() (rec.Tuple, error) { return a.mc.Fetch() }
func (a *mergeCursorAdapter) Next() error               { return a.mc.Next() }
func (a *mergeCursorAdapter) DuplicatesDetected() bool {
	return a.unique && !a.dup.Empty()
}

// bufCursorAdapter walks an in-memory sorted tuple slice.
type bufCursorAdapter struct {
	tuples []rec.Tuple
	pos    int
	dup    *rec.Dup
	unique bool
}

func (a *bufCursorAdapter) Fetch() (rec.Tuple, error) {
	if a.pos >= len(a.tuples) {
		return rec.Tuple{}, dberr.EndOfIndex
	}
	return a.tuples[a.pos], nil
}

func (a *bufCursorAdapter) Next() error {
	a.pos++
	if a.pos >= len(a.tuples) {
		return dberr.EndOfIndex
	}
	return nil
}

func (a *bufCursorAdapter) DuplicatesDetected() bool {
	return a.unique && !a.dup.Empty()
}
