// Package channel implements the framed message channel: it serializes
// outgoing (type-code, attributes, response-context) triples into the wire
// format defined by package wire, parses incoming frames via a pump.Pump,
// and delivers events to any number of subscribers.
package channel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arcwire/securechan/logging"
	"github.com/arcwire/securechan/pump"
	"github.com/arcwire/securechan/wire"
)

// Stream is the duplex byte connection a Channel is built over.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ErrDisposed is returned by Send once the channel has been disposed.
var ErrDisposed = errors.New("channel: disposed")

// ErrorKind distinguishes the circumstances under which Error fired.
type ErrorKind int

const (
	// MessageReceiveFailed indicates a malformed inbound frame.
	MessageReceiveFailed ErrorKind = iota
	// MessageSendFailed indicates a send could not be serialized or queued.
	MessageSendFailed
)

// Reason further classifies an Error event.
type Reason int

const (
	// ProtocolError indicates a malformed inbound frame or, together with
	// MessageSendFailed, a send that could not be encoded or queued.
	ProtocolError Reason = iota
	// MessageTooLong indicates an outbound attribute value exceeded int32.
	MessageTooLong
)

// MessageReceivedHandler is invoked once per successfully decoded inbound
// message, on the channel's receive worker.
type MessageReceivedHandler func(context, responseContext, typeCode uint64, attrs map[string][]byte)

// SendCompleteHandler is invoked once an enqueued send has been committed to
// the underlying stream.
type SendCompleteHandler func(context uint64)

// ErrorHandler is invoked for non-fatal send- or receive-side errors.
type ErrorHandler func(kind ErrorKind, reason Reason, context uint64, detail error)

// DisconnectedHandler is invoked exactly once, when the underlying stream is
// observed to have failed.
type DisconnectedHandler func()

type writeJob struct {
	context uint64
	buf     []byte
}

// Channel frames and deframes messages over a Stream.
type Channel struct {
	stream Stream
	pump   *pump.Pump
	log    *logging.Logger

	disposed     atomic.Bool
	disconnected atomic.Bool

	contextMu  sync.Mutex
	nextCtx    uint64
	writeCh    chan writeJob
	writerDone chan struct{}

	subMu          sync.RWMutex
	nextSubID      uint64
	onMessage      map[uint64]MessageReceivedHandler
	onSendComplete map[uint64]SendCompleteHandler
	onError        map[uint64]ErrorHandler
	onDisconnected map[uint64]DisconnectedHandler
}

// New wraps stream in a Channel and starts its receive and write workers.
func New(stream Stream) *Channel {
	c := &Channel{
		stream:         stream,
		log:            logging.New("channel"),
		writeCh:        make(chan writeJob, 64),
		writerDone:     make(chan struct{}),
		onMessage:      make(map[uint64]MessageReceivedHandler),
		onSendComplete: make(map[uint64]SendCompleteHandler),
		onError:        make(map[uint64]ErrorHandler),
		onDisconnected: make(map[uint64]DisconnectedHandler),
	}
	c.pump = pump.New(stream, c.handleDisconnected)

	go c.writeLoop()
	c.beginHeaderRead()
	return c
}

// RemoteAddr returns the underlying stream's remote address, if it exposes
// one via a RemoteAddr() net.Addr method.
func (c *Channel) RemoteAddr() net.Addr {
	if ra, ok := c.stream.(interface{ RemoteAddr() net.Addr }); ok {
		return ra.RemoteAddr()
	}
	return nil
}

// OnMessageReceived subscribes h and returns an id for RemoveHandler.
func (c *Channel) OnMessageReceived(h MessageReceivedHandler) uint64 {
	id := atomic.AddUint64(&c.nextSubID, 1)
	c.subMu.Lock()
	c.onMessage[id] = h
	c.subMu.Unlock()
	return id
}

// OnSendComplete subscribes h and returns an id for RemoveHandler.
func (c *Channel) OnSendComplete(h SendCompleteHandler) uint64 {
	id := atomic.AddUint64(&c.nextSubID, 1)
	c.subMu.Lock()
	c.onSendComplete[id] = h
	c.subMu.Unlock()
	return id
}

// OnError subscribes h and returns an id for RemoveHandler.
func (c *Channel) OnError(h ErrorHandler) uint64 {
	id := atomic.AddUint64(&c.nextSubID, 1)
	c.subMu.Lock()
	c.onError[id] = h
	c.subMu.Unlock()
	return id
}

// OnDisconnected subscribes h and returns an id for RemoveHandler.
func (c *Channel) OnDisconnected(h DisconnectedHandler) uint64 {
	id := atomic.AddUint64(&c.nextSubID, 1)
	c.subMu.Lock()
	c.onDisconnected[id] = h
	c.subMu.Unlock()
	return id
}

// RemoveHandler unsubscribes a previously registered handler of any kind.
// It is best-effort and never blocks on the publishing worker.
func (c *Channel) RemoveHandler(id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.onMessage, id)
	delete(c.onSendComplete, id)
	delete(c.onError, id)
	delete(c.onDisconnected, id)
}

// Send allocates the next message-context, serializes the message, and
// enqueues it for the write worker. It returns the assigned context
// immediately; the write itself happens asynchronously.
func (c *Channel) Send(typeCode uint64, attrs map[string][]byte, responseContext uint64) (uint64, error) {
	if c.disposed.Load() || c.disconnected.Load() {
		return wire.UnknownContext, ErrDisposed
	}

	// The allocate-context, encode, and enqueue steps run under one lock so
	// that contexts are committed to writeCh — and therefore to the stream —
	// in the same order Send returned them to callers.
	c.contextMu.Lock()
	defer c.contextMu.Unlock()

	ctx := c.nextCtx + 1

	buf, err := wire.EncodeMessage(&wire.Message{
		Context:         ctx,
		ResponseContext: responseContext,
		TypeCode:        typeCode,
		Attributes:      attrs,
	})
	if err != nil {
		reason := ProtocolError
		if errors.Is(err, wire.ErrAttributeTooLong) {
			reason = MessageTooLong
		}
		c.emitError(MessageSendFailed, reason, wire.UnknownContext, err)
		return wire.UnknownContext, err
	}

	c.nextCtx = ctx

	select {
	case c.writeCh <- writeJob{context: ctx, buf: buf}:
		return ctx, nil
	default:
		err := fmt.Errorf("channel: write queue full")
		c.emitError(MessageSendFailed, ProtocolError, wire.UnknownContext, err)
		return wire.UnknownContext, err
	}
}

// Dispose stops the channel: it wakes the receive worker, stops the write
// worker, and tears down the read pump and underlying stream. The stream is
// closed before the pump is disposed so that a header or payload Read
// blocked in the pump's worker is interrupted rather than left stranding
// pump.Dispose's wait for that worker to exit.
func (c *Channel) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	close(c.writerDone)
	_ = c.stream.Close()
	c.pump.Dispose()
}

func (c *Channel) writeLoop() {
	for {
		select {
		case job := <-c.writeCh:
			if _, err := c.stream.Write(job.buf); err != nil {
				c.handleDisconnected()
				return
			}
			c.emitSendComplete(job.context)
		case <-c.writerDone:
			return
		}
	}
}

func (c *Channel) beginHeaderRead() {
	if c.disposed.Load() || c.disconnected.Load() {
		return
	}
	header := make([]byte, wire.HeaderLen)
	_ = c.pump.BeginRead(header, wire.HeaderLen, c.onHeaderComplete, nil)
}

func (c *Channel) onHeaderComplete(h pump.Handle, buf []byte, state interface{}, err error) {
	if err != nil {
		c.pump.EndRead(h)
		return // disconnection already handled via the pump's onDisconnected callback
	}

	hdr, decErr := wire.DecodeHeader(buf)
	if decErr != nil {
		c.emitError(MessageReceiveFailed, ProtocolError, wire.UnknownContext, decErr)
		c.pump.EndRead(h)
		c.beginHeaderRead()
		return
	}

	payloadLen := int(hdr.TotalLength) - wire.HeaderLen
	if payloadLen < 0 {
		c.emitError(MessageReceiveFailed, ProtocolError, hdr.Context, fmt.Errorf("%w: negative payload length", wire.ErrProtocol))
		c.pump.EndRead(h)
		c.beginHeaderRead()
		return
	}

	if payloadLen == 0 {
		c.emitMessage(hdr.Context, hdr.ResponseContext, hdr.TypeCode, map[string][]byte{})
		c.pump.EndRead(h)
		c.beginHeaderRead()
		return
	}

	payload := make([]byte, payloadLen)
	state2 := hdr
	readErr := c.pump.BeginRead(payload, payloadLen, func(h2 pump.Handle, buf2 []byte, _ interface{}, err2 error) {
		c.onPayloadComplete(h2, buf2, state2, err2)
	}, nil)
	c.pump.EndRead(h)
	if readErr != nil {
		return
	}
}

func (c *Channel) onPayloadComplete(h pump.Handle, buf []byte, hdr wire.DecodedHeader, err error) {
	if err != nil {
		c.pump.EndRead(h)
		return
	}

	attrs, decErr := wire.DecodeAttributes(buf)
	if decErr != nil {
		c.emitError(MessageReceiveFailed, ProtocolError, hdr.Context, decErr)
		c.pump.EndRead(h)
		c.beginHeaderRead()
		return
	}

	c.emitMessage(hdr.Context, hdr.ResponseContext, hdr.TypeCode, attrs)
	c.pump.EndRead(h)
	c.beginHeaderRead()
}

func (c *Channel) handleDisconnected() {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}
	c.log.Debug("channel disconnected")
	c.subMu.RLock()
	handlers := make([]DisconnectedHandler, 0, len(c.onDisconnected))
	for _, h := range c.onDisconnected {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (c *Channel) emitMessage(context, responseContext, typeCode uint64, attrs map[string][]byte) {
	c.subMu.RLock()
	handlers := make([]MessageReceivedHandler, 0, len(c.onMessage))
	for _, h := range c.onMessage {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()
	for _, h := range handlers {
		h(context, responseContext, typeCode, attrs)
	}
}

func (c *Channel) emitSendComplete(context uint64) {
	c.subMu.RLock()
	handlers := make([]SendCompleteHandler, 0, len(c.onSendComplete))
	for _, h := range c.onSendComplete {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()
	for _, h := range handlers {
		h(context)
	}
}

func (c *Channel) emitError(kind ErrorKind, reason Reason, context uint64, detail error) {
	c.subMu.RLock()
	handlers := make([]ErrorHandler, 0, len(c.onError))
	for _, h := range c.onError {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()
	for _, h := range handlers {
		h(kind, reason, context, detail)
	}
}
