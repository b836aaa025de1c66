package tcp

import (
	"github.com/pkg/errors"

	"ktcp/pkg/netbuf"
)

var (
	ErrNoFreeSlot          = errors.New("no free TCB slot")
	ErrOutOfBuffers        = netbuf.ErrOutOfBuffers
	ErrNoPacketBuffer      = netbuf.ErrNoPacketBuffer
	ErrDuplicateConnection = errors.New("connection already exists")
	ErrConnectionRefused   = errors.New("connection refused")
	ErrConnectionReset     = errors.New("connection reset")
	ErrConnectionClosing   = errors.New("connection closing")
	ErrTimedOut            = errors.New("connection timed out")
	ErrProtocol            = errors.New("segment rejected")
	ErrStaleHandle         = errors.New("stale TCB handle")
	ErrNoConnection        = errors.New("no connection for segment")
	ErrListenerClosed      = errors.New("listener closed")
	ErrNotListening        = errors.New("TCB is not listening")
	ErrSendRange           = errors.New("segment past buffered data")
)
