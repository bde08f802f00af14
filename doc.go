// Package splitgate is a TCP gateway split in two processes: a `Gateway`
// owning the client sockets, and *logic processes* (see `pkg/logic`) owning
// what happens to the bytes. They talk over a single *control channel* per
// logic process.
//
// ## How it works
//
// A logic process connects to the gateway and asks it to *activate* a client
// port. The gateway opens the port and forwards everything clients send as
// `OnClientData` events. The logic process answers in *commits*: output to
// send, client state to remember, how many input bytes it consumed, which
// clients to end. Until a commit says otherwise, input stays in the
// gateway.
//
// A second logic process asking for the same port becomes a *standby*. When
// the active one goes away, cleanly or not, the standby is promoted and
// every client is replayed to it: its last committed state and all the
// input that was not processed yet. Clients do not notice the handover.
//
// ## Design Principles
//
// ### Sockets outlive logic
//
// The gateway is small and boring on purpose. It never interprets client
// bytes and only trusts commits, so a logic process can crash in the middle
// of anything and its successor restarts from the last consistent point.
//
// ### One goroutine owns the state
//
// Both sides run their state on a `loop.Loop`: sockets and channels post
// to it, nothing else touches the controllers, ports and clients. There are
// no locks around domain state.
//
// ### Misbehaving peers are dropped
//
// A control channel that breaks the protocol is closed. A client that
// breaks the block framing is killed. Neither takes the gateway down.
package splitgate
