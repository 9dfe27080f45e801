package network

import (
	"fmt"
	"sync"

	"github.com/edgeo/bacstack/bacnet"
)

// NetUnknown stands in for an adapter whose network number has not been
// learned yet.
const NetUnknown int = -1

// RouterStatus is the reachability state of one destination network through
// a router.
type RouterStatus uint8

const (
	StatusAvailable RouterStatus = iota
	StatusBusy
	StatusDisconnected
	StatusUnreachable
)

func (s RouterStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusBusy:
		return "busy"
	case StatusDisconnected:
		return "disconnected"
	case StatusUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("router-status(%d)", uint8(s))
	}
}

// RouterInfo records one router on a source network and the destination
// networks it advertises.
type RouterInfo struct {
	SourceNet     int
	RouterAddress bacnet.Address
	DNETs         map[uint16]RouterStatus
}

type pathKey struct {
	snet int
	dnet uint16
}

type routerKey struct {
	snet int
	addr string
}

// RouterInfoCache indexes RouterInfo both by (snet, router-address) and by
// (snet, dnet). The two indexes cover the same records: every dnet of every
// router appears in paths and vice versa.
type RouterInfoCache struct {
	mu      sync.Mutex
	routers map[routerKey]*RouterInfo
	paths   map[pathKey]*RouterInfo
}

// NewRouterInfoCache creates an empty cache.
func NewRouterInfoCache() *RouterInfoCache {
	return &RouterInfoCache{
		routers: make(map[routerKey]*RouterInfo),
		paths:   make(map[pathKey]*RouterInfo),
	}
}

// Lookup returns the router toward dnet from snet, or nil.
func (c *RouterInfoCache) Lookup(snet int, dnet uint16) *RouterInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[pathKey{snet, dnet}]
}

// Update records that the router at addr on snet reaches dnets. Existing
// paths through other routers are repointed; the invariant between the two
// indexes is restored before returning.
func (c *RouterInfoCache) Update(snet int, addr bacnet.Address, dnets []uint16, status RouterStatus) *RouterInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	rkey := routerKey{snet, addr.Key()}
	ri, ok := c.routers[rkey]
	if !ok {
		ri = &RouterInfo{SourceNet: snet, RouterAddress: addr, DNETs: make(map[uint16]RouterStatus)}
		c.routers[rkey] = ri
	}
	for _, dnet := range dnets {
		// A path may move from one router to another; detach it first.
		if prev := c.paths[pathKey{snet, dnet}]; prev != nil && prev != ri {
			delete(prev.DNETs, dnet)
			if len(prev.DNETs) == 0 {
				delete(c.routers, routerKey{snet, prev.RouterAddress.Key()})
			}
		}
		ri.DNETs[dnet] = status
		c.paths[pathKey{snet, dnet}] = ri
	}
	return ri
}

// SetStatus updates the status of dnets advertised by the router at addr,
// creating no new paths.
func (c *RouterInfoCache) SetStatus(snet int, addr bacnet.Address, dnets []uint16, status RouterStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ri, ok := c.routers[routerKey{snet, addr.Key()}]
	if !ok {
		return
	}
	for _, dnet := range dnets {
		if _, ok := ri.DNETs[dnet]; ok {
			ri.DNETs[dnet] = status
		}
	}
}

// Delete removes a router and all of its paths.
func (c *RouterInfoCache) Delete(snet int, addr bacnet.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rkey := routerKey{snet, addr.Key()}
	ri, ok := c.routers[rkey]
	if !ok {
		return
	}
	for dnet := range ri.DNETs {
		if c.paths[pathKey{snet, dnet}] == ri {
			delete(c.paths, pathKey{snet, dnet})
		}
	}
	delete(c.routers, rkey)
}

// UpdateSourceNetwork rekeys every record held under oldNet to newNet,
// used when an adapter learns its network number.
func (c *RouterInfoCache) UpdateSourceNetwork(oldNet, newNet int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, ri := range c.routers {
		if key.snet != oldNet {
			continue
		}
		delete(c.routers, key)
		ri.SourceNet = newNet
		c.routers[routerKey{newNet, key.addr}] = ri
	}
	for key, ri := range c.paths {
		if key.snet != oldNet {
			continue
		}
		delete(c.paths, key)
		c.paths[pathKey{newNet, key.dnet}] = ri
	}
}

// Routers returns every router known on snet.
func (c *RouterInfoCache) Routers(snet int) []*RouterInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*RouterInfo
	for key, ri := range c.routers {
		if key.snet == snet {
			out = append(out, ri)
		}
	}
	return out
}
