package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCommandRoundTrip(t *testing.T) {
	big := make([]byte, 300)
	for i := range big {
		big[i] = byte(i)
	}

	commands := []Command{
		AckConnectionCheck{},
		DoActivate{Port: 3720},
		DoReady{Port: math.MaxUint16},
		DoDeactivate{Port: 1},
		DoSetState{ClientID: 1},
		DoSetState{ClientID: math.MaxInt32, State: []byte("state")},
		DoProcess{ClientID: 42, Length: math.MaxInt32},
		DoSendData{ClientID: 1, Data: big},
		DoTerm{ClientID: math.MaxInt32},
		DoKill{ClientID: 7},
		DoCommit{ClientID: 7},
	}

	var fb FrameBuilder
	for _, c := range commands {
		fb.AddCommand(c)
	}

	var fd FrameDecoder
	fd.Feed(fb.Bytes())
	frame, ok, err := fd.Next()
	require.NoError(t, err)
	require.True(t, ok)

	decoded, err := DecodeCommands(frame)
	require.NoError(t, err)
	require.Equal(t, commands, decoded)
	require.NoError(t, fd.Close())
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		CheckConnection{},
		CheckConnection2{},
		OnActivate{Port: 3720, Success: true},
		OnActivate{Port: 3720, Success: false},
		OnDeactivate{Port: 3720},
		OnClientInit{ClientID: 1, Endpoint: "127.0.0.1:5555"},
		OnClientInit{
			ClientID: math.MaxInt32,
			Complete: true,
			Endpoint: "[::1]:80",
			State:    []byte{0xff},
			Data:     []byte("hello"),
		},
		OnClientData{ClientID: 3, Data: []byte{0}},
		OnClientTerm{ClientID: 3},
		OnClientDead{ClientID: 3},
	}

	var payload []byte
	for _, e := range events {
		payload = AppendEvent(payload, e)
	}

	decoded, err := DecodeEvents(payload)
	require.NoError(t, err)
	require.Equal(t, events, decoded)
}

func TestDecodeRejectsViolations(t *testing.T) {
	cases := map[string][]byte{
		"unknown opcode":      {0x55},
		"zero client id":      AppendCommand(nil, DoKill{ClientID: 0}),
		"negative client id":  AppendCommand(nil, DoKill{ClientID: -4}),
		"zero process length": AppendCommand(nil, DoProcess{ClientID: 1, Length: 0}),
		"empty send":          AppendCommand(nil, DoSendData{ClientID: 1}),
		"truncated i32":       {byte(OpDoCommit), 1, 0},
		"truncated bytes":     {byte(OpDoSendData), 1, 0, 0, 0, 5, 'a'},
		"overlong length":     append([]byte{byte(OpDoSetState), 1, 0, 0, 0}, protowire.AppendVarint(nil, math.MaxUint32+1)...),
		"unterminated varint": {byte(OpDoSetState), 1, 0, 0, 0, 0x80, 0x80},
	}

	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCommands(frame)
			require.ErrorIs(t, err, ErrProtocolViolation)
		})
	}

	t.Run("bool out of range", func(t *testing.T) {
		_, err := DecodeEvents([]byte{byte(OpOnActivate), 0x10, 0x0e, 2})
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("invalid utf-8 endpoint", func(t *testing.T) {
		frame := AppendEvent(nil, OnClientInit{ClientID: 1, Endpoint: "\xff\xfe"})
		_, err := DecodeEvents(frame)
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestFrameDecoderPartial(t *testing.T) {
	var fb FrameBuilder
	fb.AddCommand(DoActivate{Port: 3720})
	first := fb.Detach()
	fb.AddCommand(DoCommit{ClientID: 9})
	second := fb.Detach()

	stream := append(append([]byte{}, first...), second...)

	var fd FrameDecoder
	var got []Command
	// Feed byte per byte, frames must only come out once complete.
	for _, b := range stream {
		fd.Feed([]byte{b})
		for {
			frame, ok, err := fd.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			cmds, err := DecodeCommands(frame)
			require.NoError(t, err)
			got = append(got, cmds...)
		}
	}

	require.Equal(t, []Command{DoActivate{Port: 3720}, DoCommit{ClientID: 9}}, got)
	require.NoError(t, fd.Close())
}

func TestFrameDecoderErrors(t *testing.T) {
	t.Run("zero length", func(t *testing.T) {
		var fd FrameDecoder
		fd.Feed([]byte{0, 0, 0, 0})
		_, _, err := fd.Next()
		require.ErrorIs(t, err, ErrFrameSize)
	})

	t.Run("too large", func(t *testing.T) {
		var fd FrameDecoder
		fd.Feed([]byte{0xff, 0xff, 0xff, 0x7f})
		_, _, err := fd.Next()
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("truncated at close", func(t *testing.T) {
		var fd FrameDecoder
		fd.Feed([]byte{3, 0, 0, 0, byte(OpDoReady)})
		_, ok, err := fd.Next()
		require.NoError(t, err)
		require.False(t, ok)
		require.ErrorIs(t, fd.Close(), ErrTruncated)
	})
}

func TestFrameBuilderEmpty(t *testing.T) {
	var fb FrameBuilder
	require.True(t, fb.Empty())
	require.Nil(t, fb.Bytes())

	fb.AddEvent(CheckConnection2{})
	require.False(t, fb.Empty())
	require.Equal(t, []byte{1, 0, 0, 0, byte(OpCheckConnection2)}, fb.Bytes())

	require.NotEmpty(t, fb.Detach())
	require.True(t, fb.Empty())
}

func TestBlockHeader(t *testing.T) {
	lengths := []int{1, 2, 255, 256, 0x7fff, 0x8000, 0x8001, 0x10000, 1 << 24, MaxBlockSize}
	for _, length := range lengths {
		hdr := AppendBlockHeader(nil, length)
		require.Len(t, hdr, BlockHeaderSize(length))

		got, size, ok := ParseBlockHeader(hdr)
		require.True(t, ok)
		require.Equal(t, len(hdr), size)
		require.Equal(t, length, got, "length %d", length)
	}

	require.Equal(t, []byte{0x00, 0x00}, AppendBlockHeader(nil, 1))
	require.Equal(t, []byte{0xff, 0x7f}, AppendBlockHeader(nil, 0x8000))
	require.Equal(t, []byte{0x00, 0x80, 0x01, 0x00}, AppendBlockHeader(nil, 0x8001))

	require.Panics(t, func() { AppendBlockHeader(nil, 0) })
}

func TestParseBlock(t *testing.T) {
	raw := AppendBlock(nil, 12, []byte("ping"))
	raw = append(raw, AppendBlock(nil, 13, []byte("pong!"))[:3]...)

	blk, n := ParseBlock(raw)
	require.Equal(t, 2+1+4, n)
	require.Equal(t, byte(12), blk.Sequence)
	require.Equal(t, []byte("ping"), blk.Payload)

	_, n = ParseBlock(raw[n:])
	require.Zero(t, n, "incomplete block must not be consumed")

	_, n = ParseBlock([]byte{0x00, 0x80, 0x01})
	require.Zero(t, n)
}
