package logic

import (
	"fmt"
	"log/slog"

	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/txn"
	"github.com/raskyld/splitgate/pkg/wire"
)

// Session is a client of the gateway, as seen by the logic process. It is
// only touched from the connector loop.
type Session struct {
	id       int32
	endpoint string
	conn     *Connector
	logger   *slog.Logger

	initialState []byte
	input        []byte
	lastSeq      byte
	// seeded is set once a block gave lastSeq a value. A replayed client
	// resumes wherever its counter is.
	seeded   bool
	complete bool

	// graceful is set once a disconnect was staged.
	graceful bool
	disposed bool

	out outputBuffer
}

func newSession(c *Connector, init wire.OnClientInit) *Session {
	s := &Session{
		id:           init.ClientID,
		endpoint:     init.Endpoint,
		conn:         c,
		initialState: init.State,
		logger: c.logger.With(
			telemetry.LabelClientID.L(init.ClientID),
			telemetry.LabelPeerAddr.L(init.Endpoint),
		),
	}
	s.out.commit = s.commit
	return s
}

func (s *Session) ID() int32 {
	return s.id
}

// Endpoint is the remote address of the client.
func (s *Session) Endpoint() string {
	return s.endpoint
}

// InitialState is the state last committed for this client, possibly by
// a previous logic process.
func (s *Session) InitialState() []byte {
	return s.initialState
}

// Offline reports whether the session is gone or leaving.
func (s *Session) Offline() bool {
	return s.graceful || s.disposed
}

// Write sends segments to the client as part of the block produced when
// tx's root commits.
func (s *Session) Write(tx *txn.Scope, segments ...[]byte) {
	if s.disposed {
		return
	}
	s.out.write(tx, segments...)
}

// SetState replaces the state the gateway keeps for this client.
func (s *Session) SetState(tx *txn.Scope, state []byte) {
	if s.disposed {
		return
	}
	s.out.setState(tx, state)
}

// Disconnect gracefully closes the client once tx's root commits.
func (s *Session) Disconnect(tx *txn.Scope) {
	if s.Offline() {
		return
	}
	s.out.disconnect(tx)
	txn.Assign(tx, &s.graceful, true)
}

// checkSequence accepts v when it is not behind last in a window of 128
// values. A repeated value is accepted without change.
func checkSequence(last, v byte) (accept, changed bool) {
	if v == last {
		return true, false
	}
	return int8(v-last) >= 0, true
}

func (s *Session) advanceSequence(tx *txn.Scope, seq byte) error {
	if !s.seeded {
		txn.Assign(tx, &s.seeded, true)
		txn.Assign(tx, &s.lastSeq, seq)
		return nil
	}
	accept, changed := checkSequence(s.lastSeq, seq)
	if !accept {
		return violation(ErrSequence, "block %d after %d", seq, s.lastSeq)
	}
	if changed {
		txn.Assign(tx, &s.lastSeq, seq)
	}
	return nil
}

// processData runs one unit of work over newly received bytes.
func (s *Session) processData(data []byte, complete, open bool) {
	if s.disposed {
		return
	}
	s.input = append(s.input, data...)
	if complete {
		s.complete = true
	}

	tx := s.conn.txm.Begin()
	if open {
		s.conn.app.Open(tx, s)
	}

	processed, err := s.consume(tx)
	if err != nil {
		tx.Fail(err)
	}
	if tx.Failed() {
		cause := tx.Err()
		s.conn.txm.Defer(func() { s.fault(cause) })
		s.conn.msink.IncrCounterWithLabels(telemetry.MetricRollbackCount, 1.0, s.conn.labels)
	} else {
		s.out.completeProcessing(tx, processed)
		s.conn.msink.IncrCounterWithLabels(telemetry.MetricCommitCount, 1.0, s.conn.labels)
	}
	tx.Complete()
}

// consume hands every complete block to the application and returns how
// many bytes they spanned.
func (s *Session) consume(tx *txn.Scope) (int, error) {
	off := 0
	for !s.Offline() {
		blk, n := wire.ParseBlock(s.input[off:])
		if n == 0 {
			break
		}
		if err := s.advanceSequence(tx, blk.Sequence); err != nil {
			return off, err
		}
		s.conn.msink.IncrCounterWithLabels(telemetry.MetricBlockCount, 1.0, s.conn.labels)
		if err := s.conn.app.HandleBlock(tx, s, blk); err != nil {
			return off, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		off += n
	}

	if off > 0 {
		rest := s.input[off:]
		if len(rest) == 0 {
			rest = nil
		}
		txn.Assign(tx, &s.input, rest)
	}

	if s.complete && !s.Offline() {
		if len(s.input) > 0 {
			return off, violation(ErrTruncatedBlock, "%d bytes left", len(s.input))
		}
		s.Disconnect(tx)
	}
	return off, nil
}

// commit sends the batch staged by a committed root.
func (s *Session) commit(b batch) {
	if s.disposed {
		return
	}
	c := s.conn
	if b.stateSet {
		c.send(wire.DoSetState{ClientID: s.id, State: b.state})
	}
	if len(b.data) > 0 {
		c.send(wire.DoSendData{ClientID: s.id, Data: b.data})
	}
	if b.processed > 0 {
		c.send(wire.DoProcess{ClientID: s.id, Length: int32(b.processed)})
	}
	if b.shutdown {
		// The gateway forgets the client on its own, no kill needed.
		c.forget(s)
		c.send(wire.DoTerm{ClientID: s.id})
	}
	c.send(wire.DoCommit{ClientID: s.id})

	if b.shutdown {
		s.logger.Debug("client disconnected")
		s.dispose()
	}
}

func (s *Session) fault(err error) {
	s.logger.Warn("client protocol violation", telemetry.LabelError.L(err))
	s.conn.msink.IncrCounterWithLabels(telemetry.MetricProtocolViolations, 1.0, s.conn.labels)
	s.dispose()
}

// dispose drops the session, the gateway is told to kill the client if
// it still knows it.
func (s *Session) dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	s.input = nil
	s.conn.app.Close(s)
	if s.conn.forget(s) {
		s.conn.send(wire.DoKill{ClientID: s.id})
	}
}
