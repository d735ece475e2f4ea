// Package listener implements the trivial TCP accept-loop that constructs a
// Message Channel per accepted connection.
package listener

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/arcwire/securechan/channel"
	"github.com/arcwire/securechan/logging"
)

// Options configures a Listener. The zero value is usable.
type Options struct {
	// Network is passed to net.Listen ("tcp", "tcp4", "tcp6"). Defaults to "tcp".
	Network string
}

func (o Options) network() string {
	if o.Network == "" {
		return "tcp"
	}
	return o.Network
}

// ConnectedHandler is invoked once per accepted connection, with a Message
// Channel already wrapping it and a per-connection correlation id for log
// correlation.
type ConnectedHandler func(connID string, ch *channel.Channel)

// Listener accepts connections on one address and wraps each in a Message
// Channel.
type Listener struct {
	net.Listener
	log *logging.Logger

	onConnected ConnectedHandler

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Listen starts accepting connections on addr. onConnected is invoked on the
// accept goroutine for each new connection.
func Listen(addr string, opts Options, onConnected ConnectedHandler) (*Listener, error) {
	nl, err := net.Listen(opts.network(), addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		Listener:    nl,
		log:         logging.New("listener"),
		onConnected: onConnected,
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Stop closes the listening socket and waits for the accept loop to exit.
func (l *Listener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		return nil
	}
	err := l.Listener.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if l.stopped.Load() {
				return
			}
			l.log.WithError(err).Warn("accept failed")
			return
		}

		connID := uuid.NewString()
		l.log.With("connID", connID).With("remote", conn.RemoteAddr()).Info("accepted connection")

		ch := channel.New(conn)
		if l.onConnected != nil {
			l.onConnected(connID, ch)
		}
	}
}
