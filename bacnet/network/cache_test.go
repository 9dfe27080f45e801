package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
)

func routerAddr(last byte) bacnet.Address {
	return bacnet.LocalStation([]byte{10, 0, 0, last, 0xBA, 0xC0})
}

func TestRouterCacheLookup(t *testing.T) {
	cache := NewRouterInfoCache()
	r1 := routerAddr(1)

	cache.Update(1, r1, []uint16{3, 4}, StatusAvailable)

	ri := cache.Lookup(1, 3)
	require.NotNil(t, ri)
	assert.True(t, ri.RouterAddress.Equal(r1))
	assert.Equal(t, StatusAvailable, ri.DNETs[3])

	assert.Nil(t, cache.Lookup(1, 9))
	assert.Nil(t, cache.Lookup(2, 3))
}

// A dnet moving to a different router must leave both indexes consistent:
// every dnet of every router has a path entry and vice versa.
func TestRouterCacheRepointsPath(t *testing.T) {
	cache := NewRouterInfoCache()
	r1, r2 := routerAddr(1), routerAddr(2)

	cache.Update(1, r1, []uint16{3}, StatusAvailable)
	cache.Update(1, r2, []uint16{3}, StatusAvailable)

	ri := cache.Lookup(1, 3)
	require.NotNil(t, ri)
	assert.True(t, ri.RouterAddress.Equal(r2))

	// r1 lost its only dnet and is gone entirely.
	routers := cache.Routers(1)
	require.Len(t, routers, 1)
	assert.True(t, routers[0].RouterAddress.Equal(r2))
}

func TestRouterCacheStatus(t *testing.T) {
	cache := NewRouterInfoCache()
	r1 := routerAddr(1)
	cache.Update(1, r1, []uint16{3, 4}, StatusAvailable)

	cache.SetStatus(1, r1, []uint16{3}, StatusBusy)
	assert.Equal(t, StatusBusy, cache.Lookup(1, 3).DNETs[3])
	assert.Equal(t, StatusAvailable, cache.Lookup(1, 4).DNETs[4])

	// Status updates do not create paths.
	cache.SetStatus(1, r1, []uint16{99}, StatusBusy)
	assert.Nil(t, cache.Lookup(1, 99))

	cache.SetStatus(1, r1, []uint16{3}, StatusAvailable)
	assert.Equal(t, StatusAvailable, cache.Lookup(1, 3).DNETs[3])
}

func TestRouterCacheDelete(t *testing.T) {
	cache := NewRouterInfoCache()
	r1 := routerAddr(1)
	cache.Update(1, r1, []uint16{3, 4}, StatusAvailable)

	cache.Delete(1, r1)
	assert.Nil(t, cache.Lookup(1, 3))
	assert.Nil(t, cache.Lookup(1, 4))
	assert.Empty(t, cache.Routers(1))
}

func TestRouterCacheSourceNetworkLearning(t *testing.T) {
	cache := NewRouterInfoCache()
	r1 := routerAddr(1)
	cache.Update(NetUnknown, r1, []uint16{5}, StatusAvailable)

	cache.UpdateSourceNetwork(NetUnknown, 2)

	assert.Nil(t, cache.Lookup(NetUnknown, 5))
	ri := cache.Lookup(2, 5)
	require.NotNil(t, ri)
	assert.Equal(t, 2, ri.SourceNet)
}
