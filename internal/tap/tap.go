// Package tap defines the virtual Ethernet interface contract between the
// switch and the OS-facing device, plus an in-memory implementation used
// by tests and by deployments that feed frames programmatically. Kernel
// tunnel devices are intentionally out of scope.
package tap

import (
	"sync"

	"firestige.xyz/weft/internal/proto"
)

// FrameHandler consumes an Ethernet frame leaving the local OS toward the
// overlay.
type FrameHandler func(from, to proto.MAC, etherType uint16, payload []byte)

// Interface is a virtual Ethernet device.
type Interface interface {
	// MAC is the device's own Ethernet address.
	MAC() proto.MAC

	// Put injects a frame toward the local OS.
	Put(from, to proto.MAC, etherType uint16, payload []byte)

	// SetFrameHandler registers the consumer of locally originated frames.
	SetFrameHandler(h FrameHandler)

	Close() error
}

// Frame is one buffered Ethernet frame.
type Frame struct {
	From      proto.MAC
	To        proto.MAC
	EtherType uint16
	Payload   []byte
}

// MemTap is a channel-backed Interface. Frames Put toward the OS are
// buffered on Inbound; frames written with Inject flow out through the
// registered handler.
type MemTap struct {
	mac     proto.MAC
	inbound chan Frame

	mu      sync.Mutex
	handler FrameHandler
	closed  bool
}

// NewMemTap creates an in-memory tap with the given device MAC.
func NewMemTap(mac proto.MAC) *MemTap {
	return &MemTap{
		mac:     mac,
		inbound: make(chan Frame, 1024),
	}
}

func (t *MemTap) MAC() proto.MAC { return t.mac }

func (t *MemTap) Put(from, to proto.MAC, etherType uint16, payload []byte) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	select {
	case t.inbound <- Frame{From: from, To: to, EtherType: etherType, Payload: p}:
	default:
		// The OS side is not draining; the overlay is best effort.
	}
}

// Inbound exposes frames delivered toward the OS.
func (t *MemTap) Inbound() <-chan Frame { return t.inbound }

func (t *MemTap) SetFrameHandler(h FrameHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Inject simulates the OS writing a frame to the device.
func (t *MemTap) Inject(from, to proto.MAC, etherType uint16, payload []byte) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(from, to, etherType, payload)
	}
}

func (t *MemTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
