package logic

import (
	"bytes"
	"slices"

	"github.com/raskyld/splitgate/pkg/txn"
	"github.com/raskyld/splitgate/pkg/wire"
)

// batch is what one root commit asks the gateway to apply to a client.
type batch struct {
	state     []byte
	stateSet  bool
	data      []byte
	processed int
	shutdown  bool
}

func (b batch) empty() bool {
	return !b.stateSet && len(b.data) == 0 && b.processed == 0 && !b.shutdown
}

// outputBuffer stages what a session produces. Nothing leaves before the
// root scope that produced it commits, a rollback restores the snapshot
// taken when the buffer joined the scope.
type outputBuffer struct {
	enlist txn.Enlistment
	root   *txn.Scope
	commit func(b batch)

	pending    [][]byte
	pendingLen int
	// flushMark counts the pending segments made of complete writes.
	flushMark int
	flushed   [][]byte

	state     []byte
	stateSet  bool
	processed int
	shutdown  bool
}

func (ob *outputBuffer) join(tx *txn.Scope) {
	ob.enlist.Enlist(tx, func() func() {
		pending, pendingLen, mark := ob.pending, ob.pendingLen, ob.flushMark
		flushed := ob.flushed
		state, stateSet, shutdown := ob.state, ob.stateSet, ob.shutdown
		return func() {
			ob.pending, ob.pendingLen, ob.flushMark = pending, pendingLen, mark
			ob.flushed = flushed
			ob.state, ob.stateSet, ob.shutdown = state, stateSet, shutdown
		}
	})

	if ob.root == nil {
		ob.root = tx.Root()
		ob.root.OnCompletion(true, ob.completed)
	}
}

// write stages segments as one write. They are copied.
func (ob *outputBuffer) write(tx *txn.Scope, segments ...[]byte) {
	ob.join(tx)
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		ob.pending = append(ob.pending, bytes.Clone(seg))
		ob.pendingLen += len(seg)
	}
	ob.flushMark = len(ob.pending)
}

func (ob *outputBuffer) setState(tx *txn.Scope, state []byte) {
	ob.join(tx)
	ob.state = bytes.Clone(state)
	ob.stateSet = true
}

func (ob *outputBuffer) disconnect(tx *txn.Scope) {
	ob.join(tx)
	ob.shutdown = true
}

// completeProcessing reports n more input bytes were consumed.
func (ob *outputBuffer) completeProcessing(tx *txn.Scope, n int) {
	ob.join(tx)
	txn.Assign(tx, &ob.processed, ob.processed+n)
}

// flush turns the complete writes into one client block.
func (ob *outputBuffer) flush() {
	if ob.flushMark == 0 {
		return
	}
	size := 0
	for _, seg := range ob.pending[:ob.flushMark] {
		size += len(seg)
	}
	ob.flushed = append(ob.flushed, wire.AppendBlockHeader(nil, size))
	ob.flushed = append(ob.flushed, ob.pending[:ob.flushMark]...)
	ob.pending = slices.Clone(ob.pending[ob.flushMark:])
	ob.pendingLen -= size
	ob.flushMark = 0
}

func (ob *outputBuffer) completed(_ *txn.Scope) {
	root := ob.root
	ob.root = nil
	ob.enlist.Reset()
	if root.Failed() {
		return
	}

	ob.flush()
	b := batch{
		state:     ob.state,
		stateSet:  ob.stateSet,
		data:      slices.Concat(ob.flushed...),
		processed: ob.processed,
		shutdown:  ob.shutdown,
	}
	ob.flushed = nil
	ob.state = nil
	ob.stateSet = false
	ob.processed = 0
	ob.shutdown = false

	if !b.empty() {
		ob.commit(b)
	}
}
