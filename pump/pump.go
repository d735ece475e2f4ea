// Package pump implements a serialized, exact-length reader over a byte
// stream: callers enqueue "fill this buffer to exactly N bytes" requests and
// a single worker goroutine services them strictly in FIFO order, completing
// each one before the next is dequeued.
package pump

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/arcwire/securechan/logging"
)

// ErrDisposed is returned by BeginRead once the pump has been disposed.
var ErrDisposed = errors.New("pump: disposed")

// Handle identifies one in-flight completion. It is passed to the
// completion callback and must be passed back to EndRead to acknowledge
// that processing of that completion has finished.
type Handle uint64

// Completion is invoked once a read request has been filled (err == nil) or
// has failed (err != nil, terminating the pump). buf is the same slice that
// was passed to BeginRead, filled to length on success.
type Completion func(h Handle, buf []byte, state interface{}, err error)

type readRequest struct {
	buf        []byte
	length     int
	completion Completion
	state      interface{}
}

// Pump services exact-length read requests against a single io.Reader in
// FIFO order, one completion in flight at a time.
type Pump struct {
	stream io.Reader
	closer io.Closer
	log    *logging.Logger

	reqCh  chan *readRequest
	gateCh chan struct{}
	doneCh chan struct{}

	disposed     atomic.Bool
	disconnected atomic.Bool
	onDisconnect func()

	nextHandle    atomic.Uint64
	currentHandle atomic.Uint64

	wg sync.WaitGroup
}

// New creates a pump over stream and starts its worker goroutine.
// onDisconnected, if non-nil, is invoked exactly once, on the worker
// goroutine, when the stream signals EOF or an I/O error. If stream also
// implements io.Closer, Dispose uses it to interrupt a Read already in
// flight rather than waiting for the caller to do so.
func New(stream io.Reader, onDisconnected func()) *Pump {
	p := &Pump{
		stream:       stream,
		log:          logging.New("pump"),
		reqCh:        make(chan *readRequest, 64),
		gateCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		onDisconnect: onDisconnected,
	}
	if closer, ok := stream.(io.Closer); ok {
		p.closer = closer
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// BeginRead enqueues a request to fill buf[:length] and invoke completion
// once done. It returns immediately. buf must have length >= length.
func (p *Pump) BeginRead(buf []byte, length int, completion Completion, state interface{}) error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	req := &readRequest{buf: buf, length: length, completion: completion, state: state}
	select {
	case p.reqCh <- req:
		return nil
	case <-p.doneCh:
		return ErrDisposed
	}
}

// EndRead acknowledges that processing of the completion identified by h has
// finished, allowing the worker to service the next queued request. Calling
// EndRead with a stale handle is a no-op.
func (p *Pump) EndRead(h Handle) {
	if Handle(p.currentHandle.Load()) != h {
		return
	}
	select {
	case p.gateCh <- struct{}{}:
	default:
	}
}

// Dispose stops accepting new requests and blocks until the worker goroutine
// has exited. If the stream was opened with a Closer, Dispose closes it to
// interrupt a Read already in flight; otherwise it relies on the caller
// having done so. It is idempotent.
func (p *Pump) Dispose() {
	if !p.disposed.CompareAndSwap(false, true) {
		return
	}
	close(p.doneCh)
	if p.closer != nil {
		_ = p.closer.Close()
	}
	p.wg.Wait()
}

func (p *Pump) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.doneCh:
			return
		case req := <-p.reqCh:
			h := Handle(p.nextHandle.Add(1))
			p.currentHandle.Store(uint64(h))

			n, err := p.fill(req)
			req.buf = req.buf[:n]
			if err != nil {
				p.emitDisconnected()
				req.completion(h, req.buf, req.state, err)
				return
			}
			req.completion(h, req.buf, req.state, nil)

			select {
			case <-p.gateCh:
			case <-p.doneCh:
				return
			}
		}
	}
}

// fill reads exactly req.length bytes into req.buf, or returns the number
// of bytes read so far along with the error (EOF or I/O) that stopped it. A
// read returning zero bytes ends the fill: with the Reader's own error if it
// returned one, otherwise with io.EOF. A Read may
// legally return n > 0 alongside a non-nil error (e.g. n, io.EOF on the
// final read); the error is only consulted once it's known that n didn't
// already complete the fill, per the io.Reader contract.
func (p *Pump) fill(req *readRequest) (int, error) {
	filled := 0
	for filled < req.length {
		n, err := p.stream.Read(req.buf[filled:req.length])
		filled += n
		if filled >= req.length {
			return filled, nil
		}
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return filled, err
		}
		if err != nil {
			return filled, err
		}
	}
	return filled, nil
}

func (p *Pump) emitDisconnected() {
	if !p.disconnected.CompareAndSwap(false, true) {
		return
	}
	p.log.Debug("stream disconnected")
	if p.onDisconnect != nil {
		p.onDisconnect()
	}
}
