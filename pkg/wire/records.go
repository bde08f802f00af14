package wire

import "fmt"

// Opcode tags every record of a control frame. Values overlap between the
// two directions, a frame is always decoded knowing who sent it.
type Opcode byte

// Commands, sent by the logic process to the gateway.
const (
	OpAckConnectionCheck Opcode = 0x80
	OpDoActivate         Opcode = 0x10
	OpDoReady            Opcode = 0x11
	OpDoDeactivate       Opcode = 0x12
	OpDoSetState         Opcode = 0x20
	OpDoProcess          Opcode = 0x21
	OpDoSendData         Opcode = 0x22
	OpDoTerm             Opcode = 0x23
	OpDoKill             Opcode = 0x24
	OpDoCommit           Opcode = 0x30
)

// Events, sent by the gateway to the logic process.
const (
	OpCheckConnection  Opcode = 0x80
	OpCheckConnection2 Opcode = 0x81
	OpOnActivate       Opcode = 0x10
	OpOnDeactivate     Opcode = 0x11
	OpOnClientInit     Opcode = 0x20
	OpOnClientData     Opcode = 0x21
	OpOnClientTerm     Opcode = 0x22
	OpOnClientDead     Opcode = 0x23
)

// Command is a record flowing from the logic process to the gateway.
// The set of implementations is closed.
type Command interface {
	Opcode() Opcode
	appendTo(b []byte) []byte
	command()
}

// Event is a record flowing from the gateway to the logic process.
// The set of implementations is closed.
type Event interface {
	Opcode() Opcode
	appendTo(b []byte) []byte
	event()
}

type (
	AckConnectionCheck struct{}

	DoActivate struct {
		Port uint16
	}

	DoReady struct {
		Port uint16
	}

	DoDeactivate struct {
		Port uint16
	}

	DoSetState struct {
		ClientID int32
		State    []byte
	}

	DoProcess struct {
		ClientID int32
		Length   int32
	}

	DoSendData struct {
		ClientID int32
		Data     []byte
	}

	DoTerm struct {
		ClientID int32
	}

	DoKill struct {
		ClientID int32
	}

	DoCommit struct {
		ClientID int32
	}
)

type (
	CheckConnection struct{}

	// CheckConnection2 is the one-way heartbeat, it is never acknowledged.
	CheckConnection2 struct{}

	OnActivate struct {
		Port    uint16
		Success bool
	}

	OnDeactivate struct {
		Port uint16
	}

	OnClientInit struct {
		ClientID int32
		// Complete is set when the remote peer already closed its side.
		Complete bool
		Endpoint string
		State    []byte
		Data     []byte
	}

	OnClientData struct {
		ClientID int32
		Data     []byte
	}

	OnClientTerm struct {
		ClientID int32
	}

	OnClientDead struct {
		ClientID int32
	}
)

func (AckConnectionCheck) Opcode() Opcode { return OpAckConnectionCheck }
func (DoActivate) Opcode() Opcode         { return OpDoActivate }
func (DoReady) Opcode() Opcode            { return OpDoReady }
func (DoDeactivate) Opcode() Opcode       { return OpDoDeactivate }
func (DoSetState) Opcode() Opcode         { return OpDoSetState }
func (DoProcess) Opcode() Opcode          { return OpDoProcess }
func (DoSendData) Opcode() Opcode         { return OpDoSendData }
func (DoTerm) Opcode() Opcode             { return OpDoTerm }
func (DoKill) Opcode() Opcode             { return OpDoKill }
func (DoCommit) Opcode() Opcode           { return OpDoCommit }

func (CheckConnection) Opcode() Opcode  { return OpCheckConnection }
func (CheckConnection2) Opcode() Opcode { return OpCheckConnection2 }
func (OnActivate) Opcode() Opcode       { return OpOnActivate }
func (OnDeactivate) Opcode() Opcode     { return OpOnDeactivate }
func (OnClientInit) Opcode() Opcode     { return OpOnClientInit }
func (OnClientData) Opcode() Opcode     { return OpOnClientData }
func (OnClientTerm) Opcode() Opcode     { return OpOnClientTerm }
func (OnClientDead) Opcode() Opcode     { return OpOnClientDead }

func (AckConnectionCheck) command() {}
func (DoActivate) command()         {}
func (DoReady) command()            {}
func (DoDeactivate) command()       {}
func (DoSetState) command()         {}
func (DoProcess) command()          {}
func (DoSendData) command()         {}
func (DoTerm) command()             {}
func (DoKill) command()             {}
func (DoCommit) command()           {}

func (CheckConnection) event()  {}
func (CheckConnection2) event() {}
func (OnActivate) event()       {}
func (OnDeactivate) event()     {}
func (OnClientInit) event()     {}
func (OnClientData) event()     {}
func (OnClientTerm) event()     {}
func (OnClientDead) event()     {}

func (r AckConnectionCheck) appendTo(b []byte) []byte { return append(b, byte(OpAckConnectionCheck)) }

func (r DoActivate) appendTo(b []byte) []byte {
	return appendU16(append(b, byte(OpDoActivate)), r.Port)
}

func (r DoReady) appendTo(b []byte) []byte {
	return appendU16(append(b, byte(OpDoReady)), r.Port)
}

func (r DoDeactivate) appendTo(b []byte) []byte {
	return appendU16(append(b, byte(OpDoDeactivate)), r.Port)
}

func (r DoSetState) appendTo(b []byte) []byte {
	b = appendI32(append(b, byte(OpDoSetState)), r.ClientID)
	return appendBytes(b, r.State)
}

func (r DoProcess) appendTo(b []byte) []byte {
	b = appendI32(append(b, byte(OpDoProcess)), r.ClientID)
	return appendI32(b, r.Length)
}

func (r DoSendData) appendTo(b []byte) []byte {
	b = appendI32(append(b, byte(OpDoSendData)), r.ClientID)
	return appendBytes(b, r.Data)
}

func (r DoTerm) appendTo(b []byte) []byte {
	return appendI32(append(b, byte(OpDoTerm)), r.ClientID)
}

func (r DoKill) appendTo(b []byte) []byte {
	return appendI32(append(b, byte(OpDoKill)), r.ClientID)
}

func (r DoCommit) appendTo(b []byte) []byte {
	return appendI32(append(b, byte(OpDoCommit)), r.ClientID)
}

func (r CheckConnection) appendTo(b []byte) []byte  { return append(b, byte(OpCheckConnection)) }
func (r CheckConnection2) appendTo(b []byte) []byte { return append(b, byte(OpCheckConnection2)) }

func (r OnActivate) appendTo(b []byte) []byte {
	b = appendU16(append(b, byte(OpOnActivate)), r.Port)
	return appendBool(b, r.Success)
}

func (r OnDeactivate) appendTo(b []byte) []byte {
	return appendU16(append(b, byte(OpOnDeactivate)), r.Port)
}

func (r OnClientInit) appendTo(b []byte) []byte {
	b = appendI32(append(b, byte(OpOnClientInit)), r.ClientID)
	b = appendBool(b, r.Complete)
	b = appendString(b, r.Endpoint)
	b = appendBytes(b, r.State)
	return appendBytes(b, r.Data)
}

func (r OnClientData) appendTo(b []byte) []byte {
	b = appendI32(append(b, byte(OpOnClientData)), r.ClientID)
	return appendBytes(b, r.Data)
}

func (r OnClientTerm) appendTo(b []byte) []byte {
	return appendI32(append(b, byte(OpOnClientTerm)), r.ClientID)
}

func (r OnClientDead) appendTo(b []byte) []byte {
	return appendI32(append(b, byte(OpOnClientDead)), r.ClientID)
}

// AppendCommand appends the encoded record to b.
func AppendCommand(b []byte, c Command) []byte {
	return c.appendTo(b)
}

// AppendEvent appends the encoded record to b.
func AppendEvent(b []byte, e Event) []byte {
	return e.appendTo(b)
}

// DecodeCommands parses every record of a frame sent by the logic process.
func DecodeCommands(frame []byte) ([]Command, error) {
	r := &reader{buf: frame}
	var out []Command
	for r.remaining() > 0 {
		op := Opcode(r.u8())
		var c Command
		switch op {
		case OpAckConnectionCheck:
			c = AckConnectionCheck{}
		case OpDoActivate:
			c = DoActivate{Port: r.u16()}
		case OpDoReady:
			c = DoReady{Port: r.u16()}
		case OpDoDeactivate:
			c = DoDeactivate{Port: r.u16()}
		case OpDoSetState:
			c = DoSetState{ClientID: r.clientID(), State: r.bytes()}
		case OpDoProcess:
			rec := DoProcess{ClientID: r.clientID(), Length: r.i32()}
			if r.err == nil && rec.Length <= 0 {
				r.fail(violation(ErrMalformed, "process length must be positive, got %d", rec.Length))
			}
			c = rec
		case OpDoSendData:
			rec := DoSendData{ClientID: r.clientID(), Data: r.bytes()}
			if r.err == nil && len(rec.Data) == 0 {
				r.fail(violation(ErrMalformed, "empty send for client %d", rec.ClientID))
			}
			c = rec
		case OpDoTerm:
			c = DoTerm{ClientID: r.clientID()}
		case OpDoKill:
			c = DoKill{ClientID: r.clientID()}
		case OpDoCommit:
			c = DoCommit{ClientID: r.clientID()}
		default:
			r.fail(violation(ErrUnknownOpcode, "command 0x%02x", byte(op)))
		}
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, c)
	}
	return out, nil
}

// DecodeEvents parses every record of a frame sent by the gateway.
func DecodeEvents(frame []byte) ([]Event, error) {
	r := &reader{buf: frame}
	var out []Event
	for r.remaining() > 0 {
		op := Opcode(r.u8())
		var e Event
		switch op {
		case OpCheckConnection:
			e = CheckConnection{}
		case OpCheckConnection2:
			e = CheckConnection2{}
		case OpOnActivate:
			e = OnActivate{Port: r.u16(), Success: r.boolean()}
		case OpOnDeactivate:
			e = OnDeactivate{Port: r.u16()}
		case OpOnClientInit:
			e = OnClientInit{
				ClientID: r.clientID(),
				Complete: r.boolean(),
				Endpoint: r.str(),
				State:    r.bytes(),
				Data:     r.bytes(),
			}
		case OpOnClientData:
			e = OnClientData{ClientID: r.clientID(), Data: r.bytes()}
		case OpOnClientTerm:
			e = OnClientTerm{ClientID: r.clientID()}
		case OpOnClientDead:
			e = OnClientDead{ClientID: r.clientID()}
		default:
			r.fail(violation(ErrUnknownOpcode, "event 0x%02x", byte(op)))
		}
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, e)
	}
	return out, nil
}

func (op Opcode) String() string {
	return fmt.Sprintf("0x%02x", byte(op))
}
