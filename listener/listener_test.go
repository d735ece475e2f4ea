package listener

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/securechan/channel"
)

func TestListenerWrapsAcceptedConnectionsInChannels(t *testing.T) {
	connected := make(chan *channel.Channel, 1)
	l, err := Listen("127.0.0.1:0", Options{}, func(connID string, ch *channel.Channel) {
		assert.NotEmpty(t, connID)
		connected <- ch
	})
	require.NoError(t, err)
	defer l.Stop()

	addr := l.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ch := <-connected:
		assert.NotNil(t, ch)
		ch.Dispose()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

func TestListenerStopIsIdempotent(t *testing.T) {
	l, err := Listen("127.0.0.1:0", Options{}, nil)
	require.NoError(t, err)

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
}
