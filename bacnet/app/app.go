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

// Package app implements the BACnet application layer: the Application
// object with its local object store, the transaction state machines for
// confirmed services, the client-side service calls, and the server-side
// service handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
	"github.com/edgeo/bacstack/bacnet/encoding"
	"github.com/edgeo/bacstack/bacnet/network"
	"github.com/edgeo/bacstack/bacnet/vendor"
)

// Application is a BACnet application instance: it owns the local objects
// (including the device object), speaks the application services on the
// network service access point it is bound to, and tracks in-flight
// confirmed transactions.
type Application struct {
	opts        *options
	nsap        *network.NSAP
	deviceCache DeviceInfoCache
	registry    *vendor.Registry
	metrics     *Metrics
	logger      *slog.Logger

	device *Object

	mu            sync.Mutex
	objects       map[bacnet.ObjectIdentifier]*Object
	objectOrder   []bacnet.ObjectIdentifier
	clientTSMs    map[string]map[uint8]*clientTSM
	serverTSMs    map[string]map[uint8]*serverTSM
	invokeCounter map[string]uint8
	whoIsQueries  []*whoIsQuery
	whoHasQueries []*whoHasQuery
	covSubs       []*COVSubscription
	covServer     *covServer
	dccDisabled   bool
	running       bool
}

// New creates an application bound to a network service access point.
func New(nsap *network.NSAP, opts ...Option) (*Application, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.deviceInstance == bacnet.UnspecifiedInstance {
		return nil, fmt.Errorf("%w: device instance required", bacnet.ErrConfiguration)
	}
	if o.deviceCache == nil {
		o.deviceCache = NewDeviceInfoCache()
	}

	a := &Application{
		opts:          o,
		nsap:          nsap,
		deviceCache:   o.deviceCache,
		registry:      o.registry,
		metrics:       NewMetrics(),
		logger:        o.logger,
		objects:       make(map[bacnet.ObjectIdentifier]*Object),
		clientTSMs:    make(map[string]map[uint8]*clientTSM),
		serverTSMs:    make(map[string]map[uint8]*serverTSM),
		invokeCounter: make(map[string]uint8),
	}
	a.covServer = newCOVServer(a)

	if err := a.buildDeviceObject(); err != nil {
		return nil, err
	}

	nsap.OnAPDU(a.handleAPDU)
	return a, nil
}

// buildDeviceObject creates the local device object with its required
// properties.
func (a *Application) buildDeviceObject() error {
	class, ok := a.registry.Vendor(a.opts.vendorID).ObjectClass(bacnet.ObjectTypeDevice)
	if !ok {
		return fmt.Errorf("%w: no device object class", bacnet.ErrConfiguration)
	}
	id := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, a.opts.deviceInstance)
	dev := NewObject(id, class, a.opts.deviceName)
	dev.SetProperty(bacnet.PropertySystemStatus, encoding.Enumerated(bacnet.DeviceStatusOperational))
	dev.SetProperty(bacnet.PropertyVendorName, "Edgeo SCADA")
	dev.SetProperty(bacnet.PropertyVendorIdentifier, uint32(a.opts.vendorID))
	dev.SetProperty(bacnet.PropertyModelName, a.opts.modelName)
	dev.SetProperty(bacnet.PropertyFirmwareRevision, "1.0")
	dev.SetProperty(bacnet.PropertyApplicationSoftwareVersion, "1.0")
	dev.SetProperty(bacnet.PropertyProtocolVersion, uint32(1))
	dev.SetProperty(bacnet.PropertyProtocolRevision, uint32(22))
	dev.SetProperty(bacnet.PropertyMaxApduLengthAccepted, uint32(a.opts.maxAPDU))
	dev.SetProperty(bacnet.PropertySegmentationSupported, encoding.Enumerated(a.opts.segmentation))
	dev.SetProperty(bacnet.PropertyMaxSegmentsAccepted, uint32(a.opts.maxSegments))
	dev.SetProperty(bacnet.PropertyApduTimeout, uint32(a.opts.apduTimeout.Milliseconds()))
	dev.SetProperty(bacnet.PropertyNumberOfApduRetries, uint32(a.opts.retries))
	dev.SetProperty(bacnet.PropertyDatabaseRevision, uint32(1))
	dev.SetArray(bacnet.PropertyObjectList, []encoding.Value{id})

	a.device = dev
	dev.app = a
	a.objects[id] = dev
	a.objectOrder = []bacnet.ObjectIdentifier{id}
	return nil
}

// Device returns the local device object.
func (a *Application) Device() *Object { return a.device }

// DeviceInstance returns the local device instance number.
func (a *Application) DeviceInstance() uint32 { return a.opts.deviceInstance }

// Metrics returns the stack metrics.
func (a *Application) Metrics() *Metrics { return a.metrics }

// DeviceCache returns the peer device cache.
func (a *Application) DeviceCache() DeviceInfoCache { return a.deviceCache }

// NSAP returns the bound network service access point.
func (a *Application) NSAP() *network.NSAP { return a.nsap }

// AddObject installs an object and keeps the device object-list current.
func (a *Application) AddObject(obj *Object) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.objects[obj.ID]; ok {
		return fmt.Errorf("%w: object %s exists", bacnet.ErrConfiguration, obj.ID)
	}
	obj.app = a
	a.objects[obj.ID] = obj
	a.objectOrder = append(a.objectOrder, obj.ID)

	list := make([]encoding.Value, 0, len(a.objectOrder))
	for _, id := range a.objectOrder {
		list = append(list, id)
	}
	a.device.SetArray(bacnet.PropertyObjectList, list)
	return nil
}

// Object looks an object up by identifier.
func (a *Application) Object(id bacnet.ObjectIdentifier) (*Object, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.objects[id]
	return obj, ok
}

// ObjectByName looks an object up by its object-name.
func (a *Application) ObjectByName(name string) (*Object, bool) {
	a.mu.Lock()
	order := append([]bacnet.ObjectIdentifier(nil), a.objectOrder...)
	a.mu.Unlock()
	for _, id := range order {
		if obj, ok := a.Object(id); ok && obj.Name() == name {
			return obj, true
		}
	}
	return nil, false
}

// Start starts the network layers below.
func (a *Application) Start(ctx context.Context) error {
	if err := a.nsap.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.logger.Info("application started",
		slog.Uint64("device_instance", uint64(a.opts.deviceInstance)),
		slog.String("device_name", a.opts.deviceName),
	)
	return nil
}

// Stop cancels in-flight transactions and stops the stack.
func (a *Application) Stop() error {
	a.mu.Lock()
	a.running = false
	var tsms []*clientTSM
	for _, byInvoke := range a.clientTSMs {
		for _, t := range byInvoke {
			tsms = append(tsms, t)
		}
	}
	a.mu.Unlock()

	for _, t := range tsms {
		t.cancel()
	}
	a.covServer.stop()
	return a.nsap.Stop()
}

// sendAPDU frames and transmits one APDU to a peer.
func (a *Application) sendAPDU(dest bacnet.Address, frame *apdu.APDU, expectingReply bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pdu := bacnet.NewPDU(dest, frame.Encode())
	pdu.ExpectingReply = expectingReply
	return a.nsap.Request(ctx, pdu)
}

// allocateInvokeID finds a free invoke ID for the peer. IDs are scoped per
// peer: a rolling counter with a collision scan against the outstanding
// transactions.
func (a *Application) allocateInvokeID(peer bacnet.Address) (uint8, error) {
	key := peer.Key()
	a.mu.Lock()
	defer a.mu.Unlock()

	outstanding := a.clientTSMs[key]
	next := a.invokeCounter[key]
	for i := 0; i < 256; i++ {
		candidate := next + uint8(i)
		if _, busy := outstanding[candidate]; !busy {
			a.invokeCounter[key] = candidate + 1
			return candidate, nil
		}
	}
	return 0, bacnet.ErrDuplicateInvoke
}

// ConfirmedRequest issues a confirmed service request and waits for the
// outcome: the acknowledgement, a protocol error, or a timeout. The
// returned APDU is a SimpleAck or a (reassembled) ComplexAck.
func (a *Application) ConfirmedRequest(ctx context.Context, dest bacnet.Address,
	service bacnet.ConfirmedServiceChoice, data []byte) (*apdu.APDU, error) {

	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return nil, bacnet.ErrNotRunning
	}

	invokeID, err := a.allocateInvokeID(dest)
	if err != nil {
		return nil, err
	}

	t := &clientTSM{
		app:      a,
		peer:     dest,
		invokeID: invokeID,
		service:  service,
		device:   a.deviceCache.Acquire(dest),
		result:   make(chan tsmResult, 1),
	}

	key := dest.Key()
	a.mu.Lock()
	if a.clientTSMs[key] == nil {
		a.clientTSMs[key] = make(map[uint8]*clientTSM)
	}
	a.clientTSMs[key][invokeID] = t
	a.mu.Unlock()

	a.metrics.RequestsSent.Inc()
	a.metrics.ActiveTransactions.Inc()
	start := time.Now()

	if err := t.start(data); err != nil {
		a.removeClientTSM(dest, invokeID)
		a.deviceCache.Release(t.device)
		a.metrics.ActiveTransactions.Dec()
		a.metrics.RequestsFailed.Inc()
		return nil, err
	}

	select {
	case res := <-t.result:
		a.metrics.RequestLatency.Record(time.Since(start))
		if res.err != nil {
			a.metrics.RequestsFailed.Inc()
			return nil, res.err
		}
		a.metrics.RequestsSucceeded.Inc()
		return res.ack, nil
	case <-ctx.Done():
		t.cancel()
		<-t.result
		return nil, bacnet.ErrCancelled
	}
}

// UnconfirmedRequest transmits an unconfirmed service request.
func (a *Application) UnconfirmedRequest(ctx context.Context, dest bacnet.Address,
	service bacnet.UnconfirmedServiceChoice, data []byte) error {
	pdu := bacnet.NewPDU(dest, apdu.UnconfirmedRequest(service, data).Encode())
	return a.nsap.Request(ctx, pdu)
}

func (a *Application) removeClientTSM(peer bacnet.Address, invokeID uint8) {
	key := peer.Key()
	a.mu.Lock()
	if byInvoke := a.clientTSMs[key]; byInvoke != nil {
		delete(byInvoke, invokeID)
		if len(byInvoke) == 0 {
			delete(a.clientTSMs, key)
		}
	}
	a.mu.Unlock()
}

func (a *Application) removeServerTSM(peer bacnet.Address, invokeID uint8) {
	key := peer.Key()
	a.mu.Lock()
	if byInvoke := a.serverTSMs[key]; byInvoke != nil {
		delete(byInvoke, invokeID)
		if len(byInvoke) == 0 {
			delete(a.serverTSMs, key)
		}
	}
	a.mu.Unlock()
}

func (a *Application) lookupClientTSM(peer bacnet.Address, invokeID uint8) *clientTSM {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientTSMs[peer.Key()][invokeID]
}

func (a *Application) lookupServerTSM(peer bacnet.Address, invokeID uint8) *serverTSM {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverTSMs[peer.Key()][invokeID]
}

// handleAPDU consumes one application PDU delivered up by the NSAP.
func (a *Application) handleAPDU(pdu *bacnet.PDU) {
	frame, err := apdu.Decode(pdu.Data)
	if err != nil {
		a.logger.Debug("invalid APDU dropped", slog.String("error", err.Error()))
		return
	}
	a.metrics.RecordActivity()

	switch frame.Type {
	case bacnet.PDUTypeUnconfirmedRequest:
		a.metrics.UnconfirmedIndications.Inc()
		a.handleUnconfirmed(pdu.Source, frame)

	case bacnet.PDUTypeConfirmedRequest:
		a.metrics.ConfirmedIndications.Inc()
		a.handleConfirmedRequest(pdu.Source, frame)

	case bacnet.PDUTypeSegmentAck:
		if frame.Server {
			if t := a.lookupClientTSM(pdu.Source, frame.InvokeID); t != nil {
				t.handleAPDU(frame)
			}
		} else if t := a.lookupServerTSM(pdu.Source, frame.InvokeID); t != nil {
			t.handleSegmentAck(frame, t.service)
		}

	case bacnet.PDUTypeSimpleAck, bacnet.PDUTypeComplexAck:
		a.metrics.ResponsesReceived.Inc()
		if t := a.lookupClientTSM(pdu.Source, frame.InvokeID); t != nil {
			t.handleAPDU(frame)
		}

	case bacnet.PDUTypeError:
		a.metrics.ErrorsReceived.Inc()
		if t := a.lookupClientTSM(pdu.Source, frame.InvokeID); t != nil {
			t.handleAPDU(frame)
		}

	case bacnet.PDUTypeReject:
		a.metrics.RejectsReceived.Inc()
		if t := a.lookupClientTSM(pdu.Source, frame.InvokeID); t != nil {
			t.handleAPDU(frame)
		}

	case bacnet.PDUTypeAbort:
		a.metrics.AbortsReceived.Inc()
		if frame.Server {
			if t := a.lookupClientTSM(pdu.Source, frame.InvokeID); t != nil {
				t.handleAPDU(frame)
			}
		} else if t := a.lookupServerTSM(pdu.Source, frame.InvokeID); t != nil {
			t.finish()
		}
	}
}

// handleConfirmedRequest reassembles segmented requests, dispatches the
// service handler, and sends the outcome back.
func (a *Application) handleConfirmedRequest(source bacnet.Address, frame *apdu.APDU) {
	t := a.lookupServerTSM(source, frame.InvokeID)
	if t == nil {
		t = &serverTSM{
			app:               a,
			peer:              source,
			invokeID:          frame.InvokeID,
			service:           frame.Service,
			maxAPDU:           bacnet.MaxAPDUDecode(frame.MaxAPDU),
			maxSegments:       bacnet.MaxSegmentsDecode(frame.MaxSegments),
			segmentedAccepted: frame.SegmentedResponseAccepted,
			state:             stateAwaitingResponse,
		}
		key := source.Key()
		a.mu.Lock()
		if a.serverTSMs[key] == nil {
			a.serverTSMs[key] = make(map[uint8]*serverTSM)
		}
		a.serverTSMs[key][frame.InvokeID] = t
		a.mu.Unlock()
	}

	if frame.Segmented {
		whole := t.handleSegment(frame)
		if whole == nil {
			return
		}
		frame = whole
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.apduTimeout)
		defer cancel()
		t.respond(a.executeConfirmed(ctx, source, frame))
	}()
}

// executeConfirmed runs the service handler and maps errors onto response
// PDUs: ExecutionError to Error, RejectError to Reject, AbortError to
// Abort, anything else to Error(device, operational-problem).
func (a *Application) executeConfirmed(ctx context.Context, source bacnet.Address, frame *apdu.APDU) *apdu.APDU {
	service := bacnet.ConfirmedServiceChoice(frame.Service)

	a.mu.Lock()
	disabled := a.dccDisabled
	a.mu.Unlock()
	// While communication is disabled only DCC itself is honored; other
	// requests are dropped without a response.
	if disabled && service != bacnet.ServiceDeviceCommunicationControl {
		return nil
	}

	handler, ok := confirmedHandlers[service]
	if !ok {
		return apdu.Reject(frame.InvokeID, bacnet.RejectReasonUnrecognizedService)
	}

	resp, err := handler(ctx, a, source, frame)
	if err == nil {
		return resp
	}

	var execErr *bacnet.Error
	var rejErr *bacnet.RejectError
	var abortErr *bacnet.AbortError
	switch {
	case errors.As(err, &execErr):
		payload := &apdu.ErrorPayload{Class: execErr.Class, Code: execErr.Code}
		return &apdu.APDU{
			Type:     bacnet.PDUTypeError,
			InvokeID: frame.InvokeID,
			Service:  frame.Service,
			Data:     payload.Encode(),
		}
	case errors.As(err, &rejErr):
		return apdu.Reject(frame.InvokeID, rejErr.Reason)
	case errors.As(err, &abortErr):
		return apdu.Abort(frame.InvokeID, true, abortErr.Reason)
	default:
		a.logger.Warn("service handler failed",
			slog.String("service", service.String()),
			slog.String("error", err.Error()),
		)
		payload := &apdu.ErrorPayload{Class: bacnet.ErrorClassDevice, Code: bacnet.ErrorCodeOperationalProblem}
		return &apdu.APDU{
			Type:     bacnet.PDUTypeError,
			InvokeID: frame.InvokeID,
			Service:  frame.Service,
			Data:     payload.Encode(),
		}
	}
}
