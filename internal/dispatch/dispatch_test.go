package dispatch

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitProcessed(t *testing.T, d *Dispatcher, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.Stats().Processed >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("only %d of %d datagrams processed", d.Stats().Processed, want)
}

func TestDispatcherDeliversAll(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	d := New(4, 128, func(dg Datagram) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	defer d.Close()

	from := netip.MustParseAddrPort("192.0.2.1:1000")
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Submit(Datagram{LocalSocket: 1, From: from, Data: []byte{byte(i)}}))
	}
	waitProcessed(t, d, 100)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 100, seen)
}

func TestDispatcherPreservesPerSourceOrder(t *testing.T) {
	var mu sync.Mutex
	order := make(map[netip.AddrPort][]byte)
	d := New(8, 256, func(dg Datagram) {
		mu.Lock()
		order[dg.From] = append(order[dg.From], dg.Data[0])
		mu.Unlock()
	})
	defer d.Close()

	sources := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:1"),
		netip.MustParseAddrPort("198.51.100.2:2"),
		netip.MustParseAddrPort("[2001:db8::3]:3"),
	}
	const perSource = 50
	for i := 0; i < perSource; i++ {
		for _, src := range sources {
			require.NoError(t, d.Submit(Datagram{From: src, Data: []byte{byte(i)}}))
		}
	}
	waitProcessed(t, d, int64(perSource*len(sources)))

	// Same source, same partition: arrival order survives the fan-out.
	mu.Lock()
	defer mu.Unlock()
	for _, src := range sources {
		require.Len(t, order[src], perSource)
		for i := 0; i < perSource; i++ {
			assert.Equal(t, byte(i), order[src][i], "source %s out of order at %d", src, i)
		}
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d := New(2, 8, func(dg Datagram) {})
	require.NoError(t, d.Close())
	err := d.Submit(Datagram{From: netip.MustParseAddrPort("192.0.2.1:1")})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcherStats(t *testing.T) {
	block := make(chan struct{})
	d := New(1, 1, func(dg Datagram) { <-block })
	defer func() {
		close(block)
		d.Close()
	}()

	from := netip.MustParseAddrPort("192.0.2.1:1")
	// One in the worker, one in the queue; the rest are counted drops,
	// not blocked socket readers.
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Submit(Datagram{From: from, Data: []byte{byte(i)}}))
	}
	time.Sleep(50 * time.Millisecond)
	stats := d.Stats()
	assert.Greater(t, stats.Dropped, int64(0))
	assert.Equal(t, int64(10), stats.Submitted+stats.Dropped)
}
