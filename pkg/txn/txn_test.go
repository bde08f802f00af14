package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommitDropsCompensations(t *testing.T) {
	m := NewManager()
	root := m.Begin()

	value := 1
	Assign(root, &value, 2)
	root.Complete()

	require.Equal(t, 2, value)
	require.Equal(t, StateCommitted, root.State())
	require.False(t, m.Active())
	require.Nil(t, m.Current())
}

func TestRootRollbackIsLIFO(t *testing.T) {
	m := NewManager()
	root := m.Begin()

	var order []int
	root.Record(func() { order = append(order, 1) })
	root.Record(func() { order = append(order, 2) })

	nested := root.Nest()
	nested.Record(func() { order = append(order, 3) })
	deeper := nested.Nest()
	deeper.Record(func() { order = append(order, 4) })
	deeper.Commit()
	nested.Record(func() { order = append(order, 5) })
	nested.Commit()

	root.Record(func() { order = append(order, 6) })
	root.Fail(errors.New("boom"))
	root.Complete()

	require.Equal(t, []int{6, 5, 4, 3, 2, 1}, order)
	require.Equal(t, StateRolledBack, root.State())
	require.EqualError(t, root.Err(), "boom")
}

func TestNestedRollbackOnlyUndoesItself(t *testing.T) {
	m := NewManager()
	root := m.Begin()

	a, b := 0, 0
	Assign(root, &a, 1)
	nested := root.Nest()
	Assign(nested, &b, 1)
	nested.Rollback()

	require.Equal(t, 1, a)
	require.Equal(t, 0, b)
	require.Equal(t, StateRolledBack, nested.State())
	require.Same(t, root, m.Current())

	root.Complete()
	require.Equal(t, 1, a)
}

func TestFailFromNestedRollsBackRoot(t *testing.T) {
	m := NewManager()
	root := m.Begin()

	value := "initial"
	nested := root.Nest()
	Assign(nested, &value, "changed")
	nested.Fail(nil)
	nested.Commit()
	require.True(t, root.Failed())

	root.Complete()
	require.Equal(t, "initial", value)
	require.ErrorIs(t, root.Err(), ErrRolledBack)
}

func TestCompletionCallbacks(t *testing.T) {
	t.Run("commit runs every callback in a rundown scope", func(t *testing.T) {
		m := NewManager()
		root := m.Begin()

		var ran []string
		root.OnCompletion(false, func(rd *Scope) {
			require.Equal(t, KindRundown, rd.Kind())
			require.Same(t, rd, m.Current())
			require.Same(t, rd, rd.Root())
			// Rundown actions are applied for good.
			rd.Record(func() { t.Fatal("rundown compensations must not run") })
			ran = append(ran, "commit-only")
		})
		root.Nest().Commit()
		root.OnCompletion(true, func(*Scope) { ran = append(ran, "always") })
		root.Complete()

		require.Equal(t, []string{"commit-only", "always"}, ran)
		require.False(t, m.Active())
	})

	t.Run("rollback only runs callbacks asking for it", func(t *testing.T) {
		m := NewManager()
		root := m.Begin()

		var ran []string
		root.OnCompletion(false, func(*Scope) { ran = append(ran, "commit-only") })
		root.OnCompletion(true, func(rd *Scope) {
			require.True(t, root.Failed())
			ran = append(ran, "always")
		})
		root.Rollback()

		require.Equal(t, []string{"always"}, ran)
	})

	t.Run("rundown callbacks can register their own", func(t *testing.T) {
		m := NewManager()
		root := m.Begin()

		var ran []string
		root.OnCompletion(false, func(rd *Scope) {
			rd.OnCompletion(false, func(*Scope) { ran = append(ran, "inner") })
			ran = append(ran, "outer")
		})
		root.Complete()

		require.Equal(t, []string{"outer", "inner"}, ran)
	})
}

func TestDefer(t *testing.T) {
	m := NewManager()

	ran := 0
	m.Defer(func() { ran++ })
	require.Equal(t, 1, ran, "runs immediately without a root")

	root := m.Begin()
	m.Defer(func() {
		require.False(t, m.Active())
		ran++
		// A deferred action may start a new unit of work.
		next := m.Begin()
		next.Complete()
	})
	root.OnCompletion(false, func(*Scope) {
		require.Equal(t, 1, ran, "deferred actions wait for the rundown")
	})
	require.Equal(t, 1, ran)
	root.Complete()
	require.Equal(t, 2, ran)
	require.False(t, m.Active())
}

func TestInvariants(t *testing.T) {
	t.Run("second root", func(t *testing.T) {
		m := NewManager()
		m.Begin()
		require.PanicsWithError(t, "txn: invariant violation: root scope 1 is still open", func() {
			m.Begin()
		})
	})

	t.Run("record on outer scope while nested is open", func(t *testing.T) {
		m := NewManager()
		root := m.Begin()
		root.Nest()
		require.Panics(t, func() { root.Record(func() {}) })
	})

	t.Run("complete before nested closed", func(t *testing.T) {
		m := NewManager()
		root := m.Begin()
		root.Nest()
		require.Panics(t, root.Complete)
	})

	t.Run("record after close", func(t *testing.T) {
		m := NewManager()
		root := m.Begin()
		root.Complete()
		require.Panics(t, func() { root.Record(func() {}) })
	})

	t.Run("completion on closed root", func(t *testing.T) {
		m := NewManager()
		root := m.Begin()
		root.Complete()
		require.Panics(t, func() { root.OnCompletion(true, func(*Scope) {}) })
	})
}

func TestEnlistment(t *testing.T) {
	m := NewManager()
	root := m.Begin()

	type participant struct {
		items []string
		enl   Enlistment
	}
	p := &participant{}
	snapshots := 0
	enlist := func(s *Scope) bool {
		return p.enl.Enlist(s, func() func() {
			snapshots++
			saved := p.items
			return func() { p.items = saved }
		})
	}

	require.True(t, enlist(root))
	p.items = append(p.items, "a")
	require.False(t, enlist(root), "same scope joins once")

	nested := root.Nest()
	require.True(t, enlist(nested))
	p.items = append(p.items, "b")
	nested.Commit()

	require.True(t, enlist(root), "scope changed back to root")
	p.items = append(p.items, "c")
	require.Equal(t, 3, snapshots)

	root.Rollback()
	require.Empty(t, p.items)
	require.Nil(t, p.enl.Scope())
}
