package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	stopped bool
}

func (n *fakeNode) Status() StatusResult {
	return StatusResult{Address: "0102030405", Peers: 3, Roots: 1}
}

func (n *fakeNode) Peers(rootsOnly bool) []PeerInfo {
	peers := []PeerInfo{
		{Address: "aabbccddee", Root: true, Direct: true},
		{Address: "1122334455", Root: false, Direct: false},
	}
	if rootsOnly {
		return peers[:1]
	}
	return peers
}

func (n *fakeNode) Paths() []PathInfo {
	return []PathInfo{{LocalSocket: 1, Remote: "192.0.2.1:9993"}}
}

func (n *fakeNode) Shutdown() { n.stopped = true }

func TestHandlerStatus(t *testing.T) {
	h := NewHandler(&fakeNode{})
	resp := h.Handle(context.Background(), Command{Method: "status", ID: "1"})
	require.Nil(t, resp.Error)
	st, ok := resp.Result.(StatusResult)
	require.True(t, ok)
	assert.Equal(t, "0102030405", st.Address)
	assert.Equal(t, 3, st.Peers)
}

func TestHandlerPeersFilter(t *testing.T) {
	h := NewHandler(&fakeNode{})

	resp := h.Handle(context.Background(), Command{Method: "peers", ID: "2"})
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result.([]PeerInfo), 2)

	params, _ := json.Marshal(map[string]any{"roots_only": true})
	resp = h.Handle(context.Background(), Command{Method: "peers", Params: params, ID: "3"})
	require.Nil(t, resp.Error)
	peers := resp.Result.([]PeerInfo)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Root)
}

func TestHandlerStop(t *testing.T) {
	node := &fakeNode{}
	h := NewHandler(node)
	resp := h.Handle(context.Background(), Command{Method: "stop", ID: "4"})
	require.Nil(t, resp.Error)
	assert.True(t, node.stopped)
}

func TestHandlerUnknownMethod(t *testing.T) {
	h := NewHandler(&fakeNode{})
	resp := h.Handle(context.Background(), Command{Method: "reboot", ID: "5"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHandlerBadParams(t *testing.T) {
	h := NewHandler(&fakeNode{})
	resp := h.Handle(context.Background(), Command{Method: "peers", Params: json.RawMessage(`not-json`), ID: "6"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}
