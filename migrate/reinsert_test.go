package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/migrate/wire"
)

func TestReinsertPutAck(t *testing.T) {
	var bytesEmigrating atomic.Int64
	rt := newReinsertTable(&bytesEmigrating, 1000)

	msg := &wire.Message{Op: wire.OpInsert, EmigID: 1, EmigInsertID: 1}
	rt.put(1, msg, 100)
	assert.Equal(t, 1, rt.len())
	assert.EqualValues(t, 100, bytesEmigrating.Load())

	rt.ack(1, "dst", "dst")
	assert.Equal(t, 0, rt.len())
	assert.EqualValues(t, 0, bytesEmigrating.Load())
}

func TestReinsertAckFromWrongSourceIgnored(t *testing.T) {
	var bytesEmigrating atomic.Int64
	rt := newReinsertTable(&bytesEmigrating, 1000)
	rt.put(1, &wire.Message{Op: wire.OpInsert}, 50)

	rt.ack(1, "someone-else", "dst")
	assert.Equal(t, 1, rt.len(), "mismatched source must not release the slot")
}

func TestReinsertAckUnderflowClamps(t *testing.T) {
	var bytesEmigrating atomic.Int64
	bytesEmigrating.Store(10)
	rt := newReinsertTable(&bytesEmigrating, 1000)
	rt.put(1, &wire.Message{Op: wire.OpInsert}, 100) // bytesEmigrating now 110

	bytesEmigrating.Store(5) // simulate a concurrent decrement racing ahead
	rt.ack(1, "dst", "dst")
	assert.EqualValues(t, 0, bytesEmigrating.Load())
}

func TestReinsertSweepResendsDueEntriesOnly(t *testing.T) {
	var bytesEmigrating atomic.Int64
	rt := newReinsertTable(&bytesEmigrating, 1000)
	rt.put(1, &wire.Message{Op: wire.OpInsert, EmigInsertID: 1}, 10)
	rt.put(2, &wire.Message{Op: wire.OpInsert, EmigInsertID: 2}, 10)
	rt.put(3, &wire.Message{Op: wire.OpInsert, EmigInsertID: 3}, 10) // just sent: not due
	// backdate 1 and 2 past the retransmit interval so they are due.
	rt.slots[1].xmitMs -= 2000
	rt.slots[2].xmitMs -= 2000

	var sent []uint32
	resent, err := rt.sweep(func(msg *wire.Message) fabric.SendStatus {
		sent = append(sent, msg.EmigInsertID)
		return fabric.OK
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resent)
	assert.ElementsMatch(t, []uint32{1, 2}, sent)
}

func TestReinsertSweepStopsOnNoNode(t *testing.T) {
	var bytesEmigrating atomic.Int64
	rt := newReinsertTable(&bytesEmigrating, 1000)
	rt.put(1, &wire.Message{Op: wire.OpInsert}, 10)
	rt.slots[1].xmitMs -= 2000 // due for retransmit

	_, err := rt.sweep(func(*wire.Message) fabric.SendStatus { return fabric.NoNode })
	assert.Error(t, err)
}
