// Package controller implements the request/response serializer, discovery handshake,
// polling loop, and unsolicited event routing for the DGT Centaur serial bus.
package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/herohde/centaurmods/pkg/bus"
	"github.com/seekerror/logw"
	"github.com/seekerror/stdlib/pkg/util/contextx"
	"github.com/seekerror/stdlib/pkg/util/iox"
	"go.uber.org/atomic"
)

// ErrTimeout is returned by Request/RequestLowPriority when no response arrives in time.
var ErrTimeout = errors.New("controller: request timed out")

// ErrChecksumFailure is returned when the awaited response arrived with a bad checksum.
var ErrChecksumFailure = errors.New("controller: checksum failure")

// ErrQueueFull is returned when a request cannot be enqueued.
var ErrQueueFull = errors.New("controller: queue full")

const (
	mainQueueCapacity = 200
	lowQueueCapacity  = 10
	callbackCapacity  = 256
	dedupSize         = 2
	readTimeout       = 5 * time.Second
)

type request struct {
	name     string
	payload  []byte
	timeout  time.Duration
	result   chan response
	noWaiter bool // fire-and-forget: written to the bus, no waiter installed for its response
}

type response struct {
	payload []byte
	err     error
}

type waiter struct {
	expected bus.Type
	ch       chan response
}

// Controller mediates a single serial bus connection. It is safe for concurrent use.
type Controller struct {
	iox.AsyncCloser

	rw io.ReadWriter
	r  *bufio.Reader
	opt options

	writeMu sync.Mutex
	addrMu  sync.RWMutex
	addr    bus.Address

	mainQueue chan request
	lowQueue  chan request

	waiterMu      sync.Mutex
	w             *waiter
	discoveryAddr *bus.Address

	pollMu   sync.Mutex
	lastPoll time.Time // last time an unsolicited SEND_CHANGES/POLL_KEYS response was routed

	dedupMu sync.Mutex
	dedup   []string

	ready            atomic.Bool
	discardStaleKeys atomic.Bool

	subMu       sync.Mutex
	pieceSubs   map[int]func(PieceEvent)
	keySubs     map[int]func(KeyEvent)
	nextSubID   int
	failureFn   func()

	callbackQueue chan func()

	counters *counters
}

type counters struct {
	sent, recv, checksumFail, orphanDiscard, queueFull, deduped int64
}

// New constructs a Controller over the given transport. Call Start to begin discovery.
func New(rw io.ReadWriter, opts ...Option) *Controller {
	opt := defaultOptions()
	for _, fn := range opts {
		fn(&opt)
	}

	return &Controller{
		AsyncCloser:   iox.NewAsyncCloser(),
		rw:            rw,
		r:             bufio.NewReader(rw),
		opt:           opt,
		mainQueue:     make(chan request, mainQueueCapacity),
		lowQueue:      make(chan request, lowQueueCapacity),
		pieceSubs:     map[int]func(PieceEvent){},
		keySubs:       map[int]func(KeyEvent){},
		callbackQueue: make(chan func(), callbackCapacity),
		counters:      &counters{},
	}
}

// Start launches the reader, request processor, callback worker, and discovery sequence.
// Polling begins once discovery completes.
func (c *Controller) Start(ctx context.Context) {
	wctx, cancel := contextx.WithQuitCancel(ctx, c.Closed())

	go func() {
		defer cancel()
		c.readLoop(wctx)
	}()
	go c.processLoop(wctx)
	go c.callbackLoop(wctx)
	go c.discover(wctx)
}

// Ready returns true once discovery has completed and polling is active.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Address returns the discovered bus address. Zero before discovery completes.
func (c *Controller) Address() bus.Address {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	return c.addr
}

func (c *Controller) setAddress(addr bus.Address) {
	c.addrMu.Lock()
	c.addr = addr
	c.addrMu.Unlock()
}

// SetFailureCallback registers the callback invoked when a SEND_STATE response fails its
// checksum, so the Game Manager can reconcile the physical/logical boards.
func (c *Controller) SetFailureCallback(fn func()) {
	c.subMu.Lock()
	c.failureFn = fn
	c.subMu.Unlock()
}

// OnPieceEvent subscribes to piece lift/place events, delivered in board order by the
// callback worker goroutine. The returned func unsubscribes.
func (c *Controller) OnPieceEvent(fn func(PieceEvent)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.pieceSubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.pieceSubs, id)
		c.subMu.Unlock()
	}
}

// OnKeyEvent subscribes to key press/release events. The returned func unsubscribes.
func (c *Controller) OnKeyEvent(fn func(KeyEvent)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.keySubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.keySubs, id)
		c.subMu.Unlock()
	}
}

// Request enqueues a command on the main queue and blocks for its response.
func (c *Controller) Request(ctx context.Context, name string, payload []byte, timeout time.Duration) ([]byte, error) {
	return c.request(ctx, c.mainQueue, name, payload, timeout)
}

// RequestLowPriority enqueues a command on the low-priority queue, drained only when the
// main queue is empty, so validation-only commands never starve polling.
func (c *Controller) RequestLowPriority(ctx context.Context, name string, payload []byte, timeout time.Duration) ([]byte, error) {
	return c.request(ctx, c.lowQueue, name, payload, timeout)
}

func (c *Controller) request(ctx context.Context, q chan request, name string, payload []byte, timeout time.Duration) ([]byte, error) {
	if ok := c.checkDedup(name); !ok {
		return nil, nil // dropped: an identical polling command is already in flight
	}

	req := request{name: name, payload: payload, timeout: timeout, result: make(chan response, 1)}
	select {
	case q <- req:
	default:
		c.counters.queueFull++
		c.clearDedup(name)
		return nil, ErrQueueFull
	}

	select {
	case r := <-req.result:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.Closed():
		return nil, io.ErrClosedPipe
	}
}

// poll enqueues a fire-and-forget polling command: it is written to the bus but installs
// no waiter, since its response is an ordinary unsolicited frame that route() dispatches to
// the OnPieceEvent/OnKeyEvent subscribers when it arrives. This mirrors the original
// polling worker's plain, non-blocking send — the blocking waiter path (execute's
// HasResponse branch) is reserved for explicit validation calls via Request/
// RequestLowPriority, which a concurrently-running poller must not steal responses from.
func (c *Controller) poll(name string) error {
	if ok := c.checkDedup(name); !ok {
		return nil
	}

	req := request{name: name, noWaiter: true}
	select {
	case c.mainQueue <- req:
		return nil
	default:
		c.counters.queueFull++
		c.clearDedup(name)
		return ErrQueueFull
	}
}

// Immediate sends a fire-and-forget command (sound/LED) directly, bypassing both queues.
func (c *Controller) Immediate(name string, payload []byte) error {
	spec, err := bus.Lookup(name)
	if err != nil {
		return err
	}
	return c.writeCommand(spec, payload)
}

func (c *Controller) writeCommand(spec bus.CommandSpec, payload []byte) error {
	raw := bus.Build(spec, c.Address(), spec.Payload(payload))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.rw.Write(raw)
	if err == nil {
		c.counters.sent++
	}
	return err
}

// checkDedup returns false if name is a polling command already tracked in the dedup
// deque (i.e. an identical request is already queued and not yet dequeued).
func (c *Controller) checkDedup(name string) bool {
	spec, err := bus.Lookup(name)
	if err != nil || !spec.IsPollingCommand {
		return true
	}

	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	for _, n := range c.dedup {
		if n == name {
			c.counters.deduped++
			return false
		}
	}
	c.dedup = append(c.dedup, name)
	if len(c.dedup) > dedupSize {
		c.dedup = c.dedup[len(c.dedup)-dedupSize:]
	}
	return true
}

func (c *Controller) clearDedup(name string) {
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	for i, n := range c.dedup {
		if n == name {
			c.dedup = append(c.dedup[:i], c.dedup[i+1:]...)
			return
		}
	}
}

func (c *Controller) processLoop(ctx context.Context) {
	for {
		select {
		case req := <-c.mainQueue:
			c.execute(ctx, req)
			continue
		default:
		}

		select {
		case req := <-c.lowQueue:
			c.execute(ctx, req)
			continue
		default:
		}

		select {
		case req := <-c.mainQueue:
			c.execute(ctx, req)
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) execute(ctx context.Context, req request) {
	defer c.clearDedup(req.name)

	spec, err := bus.Lookup(req.name)
	if err != nil {
		if req.result != nil {
			req.result <- response{err: err}
		}
		return
	}

	if req.noWaiter {
		_ = c.writeCommand(spec, req.payload)
		return
	}

	var ch chan response
	if spec.HasResponse {
		ch = make(chan response, 1)
		c.waiterMu.Lock()
		c.w = &waiter{expected: spec.ResponseType, ch: ch}
		c.waiterMu.Unlock()
	}

	if err := c.writeCommand(spec, req.payload); err != nil {
		req.result <- response{err: err}
		return
	}
	if ch == nil {
		req.result <- response{}
		return
	}

	timeout := req.timeout
	if timeout <= 0 {
		timeout = readTimeout
	}

	select {
	case r := <-ch:
		req.result <- r
	case <-time.After(timeout):
		req.result <- response{err: ErrTimeout}
	case <-ctx.Done():
		req.result <- response{err: ctx.Err()}
	}
}

func (c *Controller) readLoop(ctx context.Context) {
	asm := bus.NewAssembler()

	type byteOrErr struct {
		b   byte
		err error
	}
	bytes := make(chan byteOrErr, 64)
	go func() {
		defer close(bytes)
		for {
			b, err := c.r.ReadByte()
			bytes <- byteOrErr{b, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case be, ok := <-bytes:
			if !ok {
				return
			}
			if be.err != nil {
				if !errors.Is(be.err, io.EOF) {
					logw.Errorf(ctx, "controller: serial read failed: %v", be.err)
				}
				return
			}

			asm.SetAddress(c.Address())
			frame := asm.Feed(be.b)
			c.handleFrame(ctx, frame)

		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, f bus.Frame) {
	if len(f.Orphaned) > 0 {
		c.counters.orphanDiscard++
		logw.Warningf(ctx, "controller: discarded %d orphaned bytes: % x", len(f.Orphaned), f.Orphaned)
	}

	if f.ChecksumFailed {
		c.counters.checksumFail++
		packetType := bus.Type(f.Raw[0])
		logw.Errorf(ctx, "controller: checksum mismatch on packet type 0x%02x", byte(packetType))

		c.deliverFailure(packetType)
		if packetType == bus.SendStateResponse {
			c.subMu.Lock()
			fn := c.failureFn
			c.subMu.Unlock()
			if fn != nil {
				fn()
			}
		}

		if f.KeyRecovered {
			c.routeKeyPayload(f.Payload)
		}
		return
	}

	if !f.Complete {
		return
	}
	c.counters.recv++

	if !c.ready.Load() {
		if c.deliverToWaiter(f) {
			return
		}
		c.handleDiscoveryFrame(ctx, f)
		return
	}

	if c.deliverToWaiter(f) {
		return
	}
	c.route(ctx, f)
}

func (c *Controller) deliverToWaiter(f bus.Frame) bool {
	packetType := bus.Type(f.Raw[0])

	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()

	if c.w == nil || c.w.expected != packetType {
		return false
	}

	select {
	case c.w.ch <- response{payload: f.Payload}:
		c.w = nil
		return true
	default:
		// Queue full: leave the waiter set so the request times out cleanly.
		return false
	}
}

func (c *Controller) deliverFailure(packetType bus.Type) {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()

	if c.w == nil || c.w.expected != packetType {
		return
	}
	select {
	case c.w.ch <- response{err: ErrChecksumFailure}:
	default:
	}
	c.w = nil
}

func (c *Controller) route(ctx context.Context, f bus.Frame) {
	packetType := bus.Type(f.Raw[0])

	switch packetType {
	case bus.KeysResponse:
		c.markPollResponse()
		c.routeKeyPayload(f.Payload)
	case bus.ChangesResponse:
		c.markPollResponse()
		c.routePiecePayload(f.Payload)
	default:
		if len(f.Payload) > 0 {
			logw.Debugf(ctx, "controller: unrouted packet type 0x%02x", byte(packetType))
		}
	}
}

func (c *Controller) markPollResponse() {
	c.pollMu.Lock()
	c.lastPoll = time.Now()
	c.pollMu.Unlock()
}

func (c *Controller) routeKeyPayload(payload []byte) {
	events := decodeKeyEvents(payload)

	if c.discardStaleKeys.Load() {
		if len(payload) == 0 {
			c.discardStaleKeys.Store(false)
			return
		}
		for _, e := range events {
			if !e.Down {
				go func() { _, _ = c.Request(context.Background(), "POLL_KEYS", nil, readTimeout) }()
			}
		}
		return
	}

	for _, e := range events {
		c.enqueueCallback(func() { c.dispatchKey(e) })
	}
}

func (c *Controller) routePiecePayload(payload []byte) {
	for _, e := range decodePieceEvents(payload) {
		c.enqueueCallback(func() { c.dispatchPiece(e) })
	}
}

func (c *Controller) enqueueCallback(fn func()) {
	select {
	case c.callbackQueue <- fn:
	default:
		logw.Errorf(context.Background(), "controller: callback queue full, dropping event")
	}
}

func (c *Controller) callbackLoop(ctx context.Context) {
	for {
		select {
		case fn := <-c.callbackQueue:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) dispatchPiece(e PieceEvent) {
	c.subMu.Lock()
	fns := make([]func(PieceEvent), 0, len(c.pieceSubs))
	for _, fn := range c.pieceSubs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (c *Controller) dispatchKey(e KeyEvent) {
	c.subMu.Lock()
	fns := make([]func(KeyEvent), 0, len(c.keySubs))
	for _, fn := range c.keySubs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (c *Controller) handleDiscoveryFrame(ctx context.Context, f bus.Frame) {
	if bus.Type(f.Raw[0]) != bus.DiscoveryRequest {
		return
	}
	if len(f.Raw) < 5 {
		return
	}

	candidate := bus.Address{Addr1: f.Raw[3], Addr2: f.Raw[4]}

	// discoveryAddr is only ever touched from this goroutine (readLoop), so no lock
	// is needed here.
	pending := c.discoveryAddr

	if pending == nil {
		addr := candidate
		c.discoveryAddr = &addr
		spec, _ := bus.Lookup("SEND_87")
		c.writeMu.Lock()
		if _, err := c.rw.Write(bus.Build(spec, addr, nil)); err == nil {
			c.counters.sent++
		}
		c.writeMu.Unlock()
		return
	}

	if *pending != candidate {
		logw.Warningf(ctx, "controller: discovery address mismatch, restarting")
		c.discoveryAddr = nil
		c.setAddress(bus.Address{})
		go c.discover(ctx)
		return
	}

	// completeDiscovery issues a blocking Request, whose response can only be delivered by
	// this same goroutine reading subsequent bytes; it must not run inline here.
	go c.completeDiscovery(ctx, candidate)
}

func (c *Controller) completeDiscovery(ctx context.Context, addr bus.Address) {
	c.setAddress(addr)
	logw.Infof(ctx, "controller: discovery complete, address=%+v", addr)

	if _, err := c.Request(ctx, "SEND_CHANGES", nil, readTimeout); err != nil {
		logw.Warningf(ctx, "controller: flush of stale piece events failed: %v", err)
	}

	c.discardStaleKeys.Store(true)
	c.ready.Store(true)

	go c.pollLoop(ctx)

	_ = c.Immediate("LED_CMD", []byte{0x05, 0x00, 0x00, 0x00})
	_ = c.Immediate("SOUND_POWER_ON", nil)
}

func (c *Controller) discover(ctx context.Context) {
	raw := make([]byte, 2)
	raw[0], raw[1] = 0x4d, 0x4e

	c.writeMu.Lock()
	_, _ = c.rw.Write(raw)
	c.writeMu.Unlock()

	spec, err := bus.Lookup("SEND_87")
	if err != nil {
		logw.Errorf(ctx, "controller: missing SEND_87 command spec: %v", err)
		return
	}
	if err := c.writeCommand(spec, nil); err != nil {
		logw.Errorf(ctx, "controller: discovery write failed: %v", err)
	}
}

func (c *Controller) pollLoop(ctx context.Context) {
	interval := time.Duration(c.opt.pollInterval) * time.Millisecond
	failures := 0
	alternate := false

	c.markPollResponse() // discovery's flush already saw a response; don't start stale

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			name := "SEND_CHANGES"
			if alternate {
				name = "POLL_KEYS"
			}
			alternate = !alternate

			if err := c.poll(name); err != nil {
				logw.Warningf(ctx, "controller: poll enqueue failed: %v", err)
			}

			c.pollMu.Lock()
			stale := time.Since(c.lastPoll) > readTimeout
			c.pollMu.Unlock()

			if stale {
				failures++
				if failures >= c.opt.backoffAfter && interval != time.Second {
					interval = time.Second
					t.Reset(interval)
					logw.Warningf(ctx, "controller: polling backed off to 1s after %d failures", failures)
				}
			} else {
				failures = 0
				if interval != time.Duration(c.opt.pollInterval)*time.Millisecond {
					interval = time.Duration(c.opt.pollInterval) * time.Millisecond
					t.Reset(interval)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close turns off LEDs, closes the transport (unblocking the reader), and stops all
// goroutines, matching the source's cleanup ordering.
func (c *Controller) Close() {
	if c.AsyncCloser.IsClosed() {
		return
	}
	_ = c.Immediate("LED_CMD", []byte{0x05, 0x00, 0x00, 0x00})

	c.AsyncCloser.Close()

	if closer, ok := c.rw.(io.Closer); ok {
		_ = closer.Close()
	}

	c.waiterMu.Lock()
	if c.w != nil {
		select {
		case c.w.ch <- response{err: fmt.Errorf("controller: closed")}:
		default:
		}
		c.w = nil
	}
	c.waiterMu.Unlock()
}
