// Package txn provides nested rollback scopes.
//
// A unit of work opens a root Scope with Manager.Begin, records a
// compensation for every mutation it performs, and ends with
// Scope.Complete. Completion rolls everything back if any participant
// called Fail, otherwise the compensations are dropped. Completion
// callbacks then run inside a rundown scope, which is where deferred side
// effects (flushes, notifications) are applied once the outcome is final.
//
// Scopes are handles passed explicitly to whoever needs them. A Manager is
// owned by a single goroutine and is not safe for concurrent use.
package txn

import (
	"errors"
	"fmt"
)

var (
	ErrInvariant  = errors.New("txn: invariant violation")
	ErrRolledBack = errors.New("txn: rolled back")
)

type Kind uint8

const (
	KindRoot Kind = iota
	KindNested
	KindRundown
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindNested:
		return "nested"
	case KindRundown:
		return "rundown"
	default:
		return "unknown"
	}
}

type State uint8

const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
)

func (st State) String() string {
	switch st {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

func invariant(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...)))
}

// Manager tracks the single root scope of a process and the innermost
// open scope.
type Manager struct {
	root     *Scope
	current  *Scope
	nextID   uint64
	deferred []func()
}

func NewManager() *Manager {
	return &Manager{}
}

// Begin opens a root scope. Only one root may be open at a time.
func (m *Manager) Begin() *Scope {
	if m.root != nil {
		invariant("root scope %d is still open", m.root.id)
	}
	s := m.open(nil, KindRoot)
	m.root = s
	return s
}

// Active reports whether a root scope is open or completing.
func (m *Manager) Active() bool {
	return m.root != nil
}

// Current returns the innermost open scope, or nil.
func (m *Manager) Current() *Scope {
	return m.current
}

// Defer runs fn once no root scope is active, immediately if none is.
func (m *Manager) Defer(fn func()) {
	if m.root == nil {
		fn()
		return
	}
	m.deferred = append(m.deferred, fn)
}

func (m *Manager) open(parent *Scope, kind Kind) *Scope {
	m.nextID++
	s := &Scope{
		m:      m,
		parent: parent,
		kind:   kind,
		id:     m.nextID,
	}
	m.current = s
	return s
}

func (m *Manager) leave(s *Scope) {
	m.current = s.parent
}

func (m *Manager) finish() {
	m.current = nil
	m.root = nil
	for len(m.deferred) > 0 {
		fn := m.deferred[0]
		m.deferred = m.deferred[1:]
		fn()
		if m.root != nil {
			// fn opened a new unit of work, the rest waits for it.
			return
		}
	}
}

type completion struct {
	runOnFailure bool
	fn           func(rundown *Scope)
}

// Scope collects compensations for the mutations made while it is open.
type Scope struct {
	m           *Manager
	parent      *Scope
	kind        Kind
	id          uint64
	state       State
	actions     []func()
	err         error
	completions []completion
}

func (s *Scope) ID() uint64 {
	return s.id
}

func (s *Scope) Kind() Kind {
	return s.kind
}

func (s *Scope) State() State {
	return s.state
}

// Root returns the closest enclosing root or rundown scope.
func (s *Scope) Root() *Scope {
	r := s
	for r.kind == KindNested {
		r = r.parent
	}
	return r
}

func (s *Scope) mustBeCurrent(op string) {
	if s.state != StateOpen {
		invariant("%s on %s scope %d which is %s", op, s.kind, s.id, s.state)
	}
	if s.m.current != s {
		invariant("%s on %s scope %d which is not the innermost open scope", op, s.kind, s.id)
	}
}

// Record registers a compensation, run in reverse order on rollback.
func (s *Scope) Record(undo func()) {
	s.mustBeCurrent("record")
	s.actions = append(s.actions, undo)
}

// Fail marks the unit of work as failed, the root will roll back on
// completion. Only the first error is kept.
func (s *Scope) Fail(err error) {
	if err == nil {
		err = ErrRolledBack
	}
	r := s.Root()
	if r.err == nil {
		r.err = err
	}
}

// Err returns the failure recorded on the enclosing root.
func (s *Scope) Err() error {
	return s.Root().err
}

// Failed reports whether the enclosing root will roll back.
func (s *Scope) Failed() bool {
	return s.Root().err != nil
}

// Nest opens a child scope. It must be closed before s.
func (s *Scope) Nest() *Scope {
	s.mustBeCurrent("nest")
	return s.m.open(s, KindNested)
}

// OnCompletion registers fn to run once the enclosing root has decided
// its outcome. fn is skipped after a rollback unless runOnFailure is set.
func (s *Scope) OnCompletion(runOnFailure bool, fn func(rundown *Scope)) {
	r := s.Root()
	if r.state != StateOpen {
		invariant("completion registered on %s scope %d which is %s", r.kind, r.id, r.state)
	}
	r.completions = append(r.completions, completion{runOnFailure: runOnFailure, fn: fn})
}

// Commit closes s. A nested scope hands its compensations to its parent,
// so that rolling back the parent still undoes them. A root or rundown
// scope completes.
func (s *Scope) Commit() {
	if s.kind != KindNested {
		s.Complete()
		return
	}
	s.mustBeCurrent("commit")
	s.state = StateCommitted
	s.parent.actions = append(s.parent.actions, s.actions...)
	s.actions = nil
	s.m.leave(s)
}

// Rollback closes s undoing what it recorded. On a root scope this forces
// the whole unit of work to roll back.
func (s *Scope) Rollback() {
	if s.kind == KindRoot {
		s.Fail(ErrRolledBack)
		s.Complete()
		return
	}
	s.mustBeCurrent("rollback")
	s.undo()
	s.state = StateRolledBack
	s.m.leave(s)
}

func (s *Scope) undo() {
	for i := len(s.actions) - 1; i >= 0; i-- {
		s.actions[i]()
	}
	s.actions = nil
}

// Complete ends a root or rundown scope. A root rolls back if it failed
// and commits otherwise, then runs completion callbacks in a rundown
// scope. Actions recorded in a rundown scope are never undone.
func (s *Scope) Complete() {
	if s.kind == KindNested {
		invariant("complete on nested scope %d", s.id)
	}
	s.mustBeCurrent("complete")

	failed := s.kind == KindRoot && s.err != nil
	if failed {
		s.undo()
		s.state = StateRolledBack
	} else {
		s.actions = nil
		s.state = StateCommitted
	}

	s.rundown(failed)

	if s.kind == KindRoot {
		s.m.finish()
	} else {
		s.m.leave(s)
	}
}

func (s *Scope) rundown(failed bool) {
	if len(s.completions) == 0 {
		return
	}
	completions := s.completions
	s.completions = nil

	rd := s.m.open(s, KindRundown)
	for _, c := range completions {
		if failed && !c.runOnFailure {
			continue
		}
		c.fn(rd)
	}
	rd.Complete()
}

// Assign records the current value of *p then replaces it with v.
func Assign[T any](s *Scope, p *T, v T) {
	old := *p
	s.Record(func() { *p = old })
	*p = v
}

// Enlistment lets a participant join each scope at most once.
type Enlistment struct {
	scope *Scope
}

// Enlist joins s. Re-entering the scope already joined is a no-op. On a
// new scope snapshot is called before any mutation and the restore it
// returns is recorded as a compensation. Enlist reports whether s was
// newly joined.
func (e *Enlistment) Enlist(s *Scope, snapshot func() (restore func())) bool {
	if e.scope == s {
		return false
	}
	prev := e.scope
	restore := snapshot()
	s.Record(func() {
		restore()
		e.scope = prev
	})
	e.scope = s
	return true
}

// Scope returns the scope last joined.
func (e *Enlistment) Scope() *Scope {
	return e.scope
}

// Reset forgets the joined scope, typically once its root completed.
func (e *Enlistment) Reset() {
	e.scope = nil
}
