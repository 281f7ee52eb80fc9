package vswitch

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/weft/internal/proto"
)

func queuedPacket(dest proto.Address) *proto.Packet {
	p := proto.NewPacket(dest, 0x0102030405, proto.VerbFrame)
	p.Append([]byte("queued"))
	return p
}

func TestTxQueueRetryForRemovesSuccesses(t *testing.T) {
	q := newTxQueue()
	now := time.Now()
	destA := proto.Address(0x0a0a0a0a0a)
	destB := proto.Address(0x0b0b0b0b0b)

	q.add(destA, queuedPacket(destA), true, now)
	q.add(destA, queuedPacket(destA), true, now)
	q.add(destB, queuedPacket(destB), true, now)
	require.Equal(t, 3, q.size())

	// Retry only touches entries for the given destination.
	tried := 0
	q.retryFor(destA, func(e *txEntry) bool { tried++; return true })
	assert.Equal(t, 2, tried)
	assert.Equal(t, 1, q.size())

	// Failed retries stay queued.
	q.retryFor(destB, func(e *txEntry) bool { return false })
	assert.Equal(t, 1, q.size())
}

func TestTxQueueRetryMayReenter(t *testing.T) {
	q := newTxQueue()
	now := time.Now()
	dest := proto.Address(0x0a0a0a0a0a)
	q.add(dest, queuedPacket(dest), true, now)

	// The retry callback runs without the queue lock, so re-entering the
	// queue from inside it must not deadlock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.retryFor(dest, func(e *txEntry) bool {
			q.add(0x0b0b0b0b0b, queuedPacket(0x0b0b0b0b0b), true, now)
			return true
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry re-entry deadlocked")
	}
	assert.Equal(t, 1, q.size())
}

func TestTxQueueSweepRetriesAndExpires(t *testing.T) {
	q := newTxQueue()
	now := time.Now()
	dest := proto.Address(0x0a0a0a0a0a)
	q.add(dest, queuedPacket(dest), true, now)
	q.add(dest, queuedPacket(dest), true, now.Add(proto.TransmitQueueTimeout))

	// First entry is past the bound, second is fresh; both get a retry
	// attempt before the age check.
	tried := 0
	q.sweep(now.Add(proto.TransmitQueueTimeout+time.Millisecond), proto.TransmitQueueTimeout,
		func(e *txEntry) bool { tried++; return false })
	assert.Equal(t, 2, tried)
	assert.Equal(t, 1, q.size())
}

func TestRxQueueSweepExpires(t *testing.T) {
	q := newRxQueue()
	now := time.Now()
	from := netip.MustParseAddrPort("192.0.2.1:1")

	q.add(queuedPacket(0x0102030405), 1, from, now)
	q.add(queuedPacket(0x0102030405), 1, from, now.Add(proto.ReceiveQueueTimeout))
	require.Equal(t, 2, q.size())

	q.sweep(now.Add(proto.ReceiveQueueTimeout+time.Millisecond), proto.ReceiveQueueTimeout)
	assert.Equal(t, 1, q.size())
}

func TestRxQueueRetryAllKeepsBlocked(t *testing.T) {
	q := newRxQueue()
	now := time.Now()
	from := netip.MustParseAddrPort("192.0.2.1:1")
	q.add(queuedPacket(0x0102030405), 1, from, now)
	q.add(queuedPacket(0x0504030201), 2, from, now)

	calls := 0
	q.retryAll(func(e *rxEntry) bool {
		calls++
		return e.localSocket == 1
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, q.size())
}

func TestDefragDuplicateFragmentIgnored(t *testing.T) {
	c := newDefragCache()
	now := time.Now()

	src := proto.NewPacket(0x0102030405, 0x0504030201, proto.VerbFrame)
	src.Append(make([]byte, 3000))
	src.SetFragmented(true)

	frag1, err := proto.NewFragment(src, 1200, 1200, 1, 3)
	require.NoError(t, err)

	assert.Nil(t, c.insertFragment(frag1, now))
	assert.Nil(t, c.insertFragment(frag1, now))
	assert.Equal(t, 1, c.size())

	head, err := proto.ParsePacket(src.Data()[:1200])
	require.NoError(t, err)
	assert.Nil(t, c.insertHead(head, now))
	assert.Nil(t, c.insertHead(head, now))

	frag2, err := proto.NewFragment(src, 2400, src.Size()-2400, 2, 3)
	require.NoError(t, err)
	out := c.insertFragment(frag2, now)
	require.NotNil(t, out)
	assert.Equal(t, src.Data(), out.Data())
	assert.Equal(t, 0, c.size())
}

func TestUniteThrottleSweepForgetsStalePairs(t *testing.T) {
	th := newUniteThrottle()
	now := time.Now()

	require.True(t, th.allow(1, 2, false, now))
	require.False(t, th.allow(2, 1, false, now))

	th.sweep(now.Add(4*proto.MinUniteInterval + time.Second))
	assert.Empty(t, th.last)
	assert.True(t, th.allow(1, 2, false, now.Add(4*proto.MinUniteInterval+time.Second)))
}
