package logic

import (
	"encoding/binary"

	"github.com/raskyld/splitgate/pkg/txn"
	"github.com/raskyld/splitgate/pkg/wire"
)

// Application is the business logic behind a port. Every method runs on
// the connector loop.
type Application interface {
	// Open is called when a client is (re)initialized, before its
	// initial data is handled. s.InitialState tells where a previous
	// owner left it.
	Open(tx *txn.Scope, s *Session)
	// HandleBlock consumes one client block. blk.Payload is only valid
	// during the call. A block repeating the previous sequence value is
	// delivered too. An error is a protocol violation of that client:
	// the unit of work is rolled back and the client killed.
	HandleBlock(tx *txn.Scope, s *Session, blk wire.Block) error
	// Close is called once the client is gone.
	Close(s *Session)
}

// Echo sends every block back and keeps the number of echoed bytes as
// the client state, so that a successor resumes the count.
type Echo struct {
	echoed map[int32]*uint64
}

func NewEcho() *Echo {
	return &Echo{echoed: make(map[int32]*uint64)}
}

func (e *Echo) Open(_ *txn.Scope, s *Session) {
	var n uint64
	if st := s.InitialState(); len(st) == 8 {
		n = binary.BigEndian.Uint64(st)
	}
	e.echoed[s.ID()] = &n
}

func (e *Echo) HandleBlock(tx *txn.Scope, s *Session, blk wire.Block) error {
	count := e.echoed[s.ID()]
	s.Write(tx, blk.Payload)
	txn.Assign(tx, count, *count+uint64(len(blk.Payload)))
	s.SetState(tx, binary.BigEndian.AppendUint64(nil, *count))
	return nil
}

func (e *Echo) Close(s *Session) {
	delete(e.echoed, s.ID())
}

// Echoed returns how many bytes were echoed to a client so far.
func (e *Echo) Echoed(id int32) uint64 {
	if n, ok := e.echoed[id]; ok {
		return *n
	}
	return 0
}
