package app

import (
	"sync"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
)

// DeviceInfo is what the stack knows about a peer device: its instance
// number, address and transport limits. Records are reference-counted while
// a segmentation state machine holds them.
type DeviceInfo struct {
	Instance     uint32
	Address      bacnet.Address
	MaxAPDU      uint
	Segmentation bacnet.Segmentation
	VendorID     uint16
	MaxSegments  uint
	MaxNPDU      uint

	refs int
}

// DeviceInfoCache indexes peer device records by instance number and by
// address; either key finds the record. Implementations may be backed by
// external stores; the default is in-memory.
type DeviceInfoCache interface {
	GetByInstance(instance uint32) (*DeviceInfo, bool)
	GetByAddress(addr bacnet.Address) (*DeviceInfo, bool)
	// LearnIAm creates or replaces the record for an I-Am heard from addr.
	LearnIAm(addr bacnet.Address, iam *apdu.IAmRequest) *DeviceInfo
	// Acquire pins the record for addr (creating a provisional one when
	// absent) so it survives while a transaction uses it.
	Acquire(addr bacnet.Address) *DeviceInfo
	// Release unpins a record returned by Acquire.
	Release(info *DeviceInfo)
}

// deviceInfoCache is the in-memory default.
type deviceInfoCache struct {
	mu         sync.Mutex
	byInstance map[uint32]*DeviceInfo
	byAddress  map[string]*DeviceInfo
}

// NewDeviceInfoCache creates the in-memory cache.
func NewDeviceInfoCache() DeviceInfoCache {
	return &deviceInfoCache{
		byInstance: make(map[uint32]*DeviceInfo),
		byAddress:  make(map[string]*DeviceInfo),
	}
}

func (c *deviceInfoCache) GetByInstance(instance uint32) (*DeviceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.byInstance[instance]
	return info, ok
}

func (c *deviceInfoCache) GetByAddress(addr bacnet.Address) (*DeviceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.byAddress[addr.Key()]
	return info, ok
}

func (c *deviceInfoCache) LearnIAm(addr bacnet.Address, iam *apdu.IAmRequest) *DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace records that disagree on either key.
	if prev, ok := c.byInstance[iam.DeviceID.Instance]; ok && !prev.Address.Equal(addr) {
		delete(c.byAddress, prev.Address.Key())
	}
	if prev, ok := c.byAddress[addr.Key()]; ok && prev.Instance != iam.DeviceID.Instance {
		delete(c.byInstance, prev.Instance)
	}

	info, ok := c.byAddress[addr.Key()]
	if !ok || info.Instance != iam.DeviceID.Instance {
		info = &DeviceInfo{Instance: iam.DeviceID.Instance}
	}
	info.Address = addr
	info.MaxAPDU = uint(iam.MaxAPDU)
	info.Segmentation = iam.Segmentation
	info.VendorID = iam.VendorID
	if info.MaxNPDU == 0 {
		info.MaxNPDU = 1497
	}

	c.byInstance[info.Instance] = info
	c.byAddress[addr.Key()] = info
	return info
}

func (c *deviceInfoCache) Acquire(addr bacnet.Address) *DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.byAddress[addr.Key()]
	if !ok {
		// Provisional record for a peer we have not heard an I-Am from:
		// conservative transport limits.
		info = &DeviceInfo{
			Instance:     bacnet.UnspecifiedInstance,
			Address:      addr,
			MaxAPDU:      bacnet.MaxAPDULength,
			Segmentation: bacnet.SegmentationNone,
			MaxNPDU:      1497,
		}
		c.byAddress[addr.Key()] = info
	}
	info.refs++
	return info
}

func (c *deviceInfoCache) Release(info *DeviceInfo) {
	if info == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if info.refs > 0 {
		info.refs--
	}
	// Provisional records that never saw an I-Am are dropped when the last
	// holder lets go.
	if info.refs == 0 && info.Instance == bacnet.UnspecifiedInstance {
		delete(c.byAddress, info.Address.Key())
	}
}
