package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/securechan/channel"
	"github.com/arcwire/securechan/secure"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestHandshakeCompletesBothSides(t *testing.T) {
	connA, connB := pipePair(t)
	chA := channel.New(connA)
	chB := channel.New(connB)

	hsA, err := New(chA)
	require.NoError(t, err)
	hsB, err := New(chB)
	require.NoError(t, err)

	doneA := make(chan *secure.Channel, 1)
	doneB := make(chan *secure.Channel, 1)
	hsA.OnCompleted(func(sc *secure.Channel) { doneA <- sc })
	hsB.OnCompleted(func(sc *secure.Channel) { doneB <- sc })

	failed := func(kind ErrorKind, detail error) {
		t.Errorf("handshake errored: kind=%v detail=%v", kind, detail)
	}
	hsA.OnErrored(failed)
	hsB.OnErrored(failed)

	require.NoError(t, hsA.Initiate())
	require.NoError(t, hsB.Initiate())

	var scA, scB *secure.Channel
	select {
	case scA = <-doneA:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for A's handshake to complete")
	}
	select {
	case scB = <-doneB:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for B's handshake to complete")
	}

	defer scA.Dispose()
	defer scB.Dispose()

	assert.NotNil(t, scA)
	assert.NotNil(t, scB)
}

func TestHandshakeFailsOnMalformedRSAMessage(t *testing.T) {
	connA, connB := pipePair(t)
	chA := channel.New(connA)
	chB := channel.New(connB)
	defer chA.Dispose()

	hsB, err := New(chB)
	require.NoError(t, err)
	defer func() {
		// chB will be disposed transitively only if the handshake produces
		// a secure channel; on failure it is left to the caller.
		_ = chB
	}()

	failed := make(chan ErrorKind, 1)
	hsB.OnErrored(func(kind ErrorKind, detail error) {
		failed <- kind
	})

	// Send an RSA_TYPE message with zero attributes, which is malformed.
	_, err = chA.Send(RSAType, map[string][]byte{}, 0)
	require.NoError(t, err)

	select {
	case kind := <-failed:
		assert.Equal(t, FormatError, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake format error")
	}
}
