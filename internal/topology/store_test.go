package topology

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/weft/internal/identity"
	"firestige.xyz/weft/internal/proto"
)

func openTempStore(t *testing.T) Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := openTempStore(t)
	id, err := identity.Generate()
	require.NoError(t, err)

	seen := time.Now().Truncate(time.Millisecond)
	rec := &StoredPeer{
		Address:  id.Address(),
		Identity: id.String(),
		Endpoints: []proto.Endpoint{
			proto.EndpointFromAddrPort(netip.MustParseAddrPort("192.0.2.1:9993")),
			proto.EndpointFromAddrPort(netip.MustParseAddrPort("[2001:db8::1]:9993")),
		},
		LastSeen: seen,
	}
	require.NoError(t, store.Save(rec))

	got, err := store.Load(id.Address())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Address, got.Address)
	assert.Equal(t, rec.Identity, got.Identity)
	assert.Equal(t, rec.Endpoints, got.Endpoints)
	assert.Equal(t, seen.UnixMilli(), got.LastSeen.UnixMilli())
}

func TestStoreLoadMissing(t *testing.T) {
	store := openTempStore(t)
	got, err := store.Load(0x0102030405)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreUpsert(t *testing.T) {
	store := openTempStore(t)
	id, err := identity.Generate()
	require.NoError(t, err)

	rec := &StoredPeer{Address: id.Address(), Identity: id.String(), LastSeen: time.Now()}
	require.NoError(t, store.Save(rec))
	rec.Endpoints = []proto.Endpoint{proto.EndpointFromAddrPort(netip.MustParseAddrPort("192.0.2.2:1"))}
	require.NoError(t, store.Save(rec))

	got, err := store.Load(id.Address())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Endpoints, 1)
}

func TestStoreDeleteOlderThan(t *testing.T) {
	store := openTempStore(t)
	old, err := identity.Generate()
	require.NoError(t, err)
	fresh, err := identity.Generate()
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Save(&StoredPeer{Address: old.Address(), Identity: old.String(), LastSeen: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.Save(&StoredPeer{Address: fresh.Address(), Identity: fresh.String(), LastSeen: now}))

	n, err := store.DeleteOlderThan(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Load(old.Address())
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.Load(fresh.Address())
	require.NoError(t, err)
	assert.NotNil(t, got)
}
