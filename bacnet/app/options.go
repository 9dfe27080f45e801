// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"log/slog"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/vendor"
)

// options holds Application configuration.
type options struct {
	deviceInstance uint32
	deviceName     string
	vendorID       uint16
	modelName      string

	maxAPDU            uint
	segmentation       bacnet.Segmentation
	maxSegments        uint
	proposedWindowSize uint8

	apduTimeout        time.Duration
	segmentTimeout     time.Duration
	retries            int
	discoveryTimeout   time.Duration

	registry    *vendor.Registry
	deviceCache DeviceInfoCache
	logger      *slog.Logger
}

func defaultOptions() *options {
	return &options{
		deviceInstance:     bacnet.UnspecifiedInstance,
		deviceName:         "bacstack",
		vendorID:           vendor.ASHRAE,
		modelName:          "bacstack",
		maxAPDU:            bacnet.MaxAPDULength,
		segmentation:       bacnet.SegmentationBoth,
		maxSegments:        16,
		proposedWindowSize: 4,
		apduTimeout:        3 * time.Second,
		segmentTimeout:     2 * time.Second,
		retries:            3,
		discoveryTimeout:   3 * time.Second,
		registry:           vendor.DefaultRegistry(),
		logger:             slog.Default(),
	}
}

// Option configures an Application.
type Option func(*options)

// WithDevice sets the local device instance and name.
func WithDevice(instance uint32, name string) Option {
	return func(o *options) {
		o.deviceInstance = instance
		o.deviceName = name
	}
}

// WithVendorID sets the local vendor identifier.
func WithVendorID(id uint16) Option {
	return func(o *options) { o.vendorID = id }
}

// WithModelName sets the model name served by the device object.
func WithModelName(name string) Option {
	return func(o *options) { o.modelName = name }
}

// WithMaxAPDU sets the largest APDU this node accepts.
func WithMaxAPDU(n uint) Option {
	return func(o *options) { o.maxAPDU = n }
}

// WithSegmentation sets the local segmentation capability.
func WithSegmentation(seg bacnet.Segmentation) Option {
	return func(o *options) { o.segmentation = seg }
}

// WithMaxSegments sets the most response segments this node accepts.
func WithMaxSegments(n uint) Option {
	return func(o *options) { o.maxSegments = n }
}

// WithProposedWindowSize sets the segment window proposed on segmented
// sends.
func WithProposedWindowSize(size uint8) Option {
	return func(o *options) {
		if size >= 1 {
			o.proposedWindowSize = size
		}
	}
}

// WithAPDUTimeout sets the confirmed-request response timeout.
func WithAPDUTimeout(d time.Duration) Option {
	return func(o *options) { o.apduTimeout = d }
}

// WithSegmentTimeout sets the per-window segment acknowledgement timeout.
func WithSegmentTimeout(d time.Duration) Option {
	return func(o *options) { o.segmentTimeout = d }
}

// WithRetries sets the retransmit bound for requests and segment windows.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

// WithDiscoveryTimeout sets the Who-Is / Who-Has collection window.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) { o.discoveryTimeout = d }
}

// WithVendorRegistry replaces the process-wide vendor registry.
func WithVendorRegistry(r *vendor.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDeviceInfoCache replaces the in-memory device-info cache.
func WithDeviceInfoCache(c DeviceInfoCache) Option {
	return func(o *options) { o.deviceCache = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
