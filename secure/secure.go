// Package secure implements the Secure Channel: a Message Channel wrapped
// with per-direction AES-CBC encryption of the payload, with outer framing
// left in plaintext.
package secure

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arcwire/securechan/channel"
	"github.com/arcwire/securechan/crypto"
	"github.com/arcwire/securechan/logging"
	"github.com/arcwire/securechan/wire"
)

// InnerTypeCode is the sentinel type-code used for every secure message,
// constant across all secure traffic on any channel.
const InnerTypeCode uint64 = 7919

// attrCiphertext is the single outer attribute name carrying the encrypted
// inner attribute blob.
const attrCiphertext = "M"

// ErrorKind classifies why Errored fired.
type ErrorKind int

const (
	// FormatError indicates an inbound message had the wrong type-code or
	// attribute set, or its decrypted payload failed to parse.
	FormatError ErrorKind = iota
	// CryptographyError indicates decryption of the ciphertext attribute failed.
	CryptographyError
	// Unknown wraps an error forwarded from the underlying Message Channel.
	Unknown
)

// MessageReceivedHandler is invoked once per successfully decrypted inbound
// message.
type MessageReceivedHandler func(context uint64, attrs map[string][]byte)

// ErroredHandler is invoked for non-fatal send- or receive-side errors.
type ErroredHandler func(kind ErrorKind, detail error)

// DisconnectedHandler is invoked exactly once when the underlying channel
// disconnects.
type DisconnectedHandler func()

// Channel wraps a Message Channel, encrypting outbound attribute bundles
// under an outbound key and decrypting inbound ones under an inbound key.
// It owns the wrapped channel and disposes it on its own disposal.
type Channel struct {
	ch  *channel.Channel
	log *logging.Logger

	encryptor *crypto.Encryptor
	decryptor *crypto.Decryptor

	disposed atomic.Bool

	subMu          sync.RWMutex
	onMessage      map[uint64]MessageReceivedHandler
	onErrored      map[uint64]ErroredHandler
	onDisconnected map[uint64]DisconnectedHandler
	nextSubID      uint64
}

// New wraps ch with per-direction symmetric encryption. outbound encrypts
// what Send writes; inbound decrypts what arrives.
func New(ch *channel.Channel, outbound, inbound *crypto.SymmetricKey) *Channel {
	decryptor, err := crypto.NewDecryptor(inbound)
	if err != nil {
		// inbound key/IV are always well-formed: they were freshly generated
		// by the peer's GenerateSymmetricKey and unwrapped by OAEP above the
		// handshake layer, so NewCipher over them cannot fail.
		panic(fmt.Sprintf("secure: build decryptor: %v", err))
	}

	sc := &Channel{
		ch:             ch,
		log:            logging.New("secure"),
		encryptor:      crypto.NewEncryptor(outbound),
		decryptor:      decryptor,
		onMessage:      make(map[uint64]MessageReceivedHandler),
		onErrored:      make(map[uint64]ErroredHandler),
		onDisconnected: make(map[uint64]DisconnectedHandler),
	}

	ch.OnMessageReceived(sc.handleMessage)
	ch.OnError(sc.handleChannelError)
	ch.OnDisconnected(sc.handleDisconnected)

	return sc
}

// OnMessageReceived subscribes h and returns an id for RemoveHandler.
func (sc *Channel) OnMessageReceived(h MessageReceivedHandler) uint64 {
	id := atomic.AddUint64(&sc.nextSubID, 1)
	sc.subMu.Lock()
	sc.onMessage[id] = h
	sc.subMu.Unlock()
	return id
}

// OnErrored subscribes h and returns an id for RemoveHandler.
func (sc *Channel) OnErrored(h ErroredHandler) uint64 {
	id := atomic.AddUint64(&sc.nextSubID, 1)
	sc.subMu.Lock()
	sc.onErrored[id] = h
	sc.subMu.Unlock()
	return id
}

// OnDisconnected subscribes h and returns an id for RemoveHandler.
func (sc *Channel) OnDisconnected(h DisconnectedHandler) uint64 {
	id := atomic.AddUint64(&sc.nextSubID, 1)
	sc.subMu.Lock()
	sc.onDisconnected[id] = h
	sc.subMu.Unlock()
	return id
}

// RemoveHandler unsubscribes a previously registered handler of any kind.
func (sc *Channel) RemoveHandler(id uint64) {
	sc.subMu.Lock()
	defer sc.subMu.Unlock()
	delete(sc.onMessage, id)
	delete(sc.onErrored, id)
	delete(sc.onDisconnected, id)
}

// Send encrypts attrs and sends them as the ciphertext attribute of an
// InnerTypeCode message.
func (sc *Channel) Send(attrs map[string][]byte) (uint64, error) {
	plaintext, err := wire.EncodeAttributes(attrs)
	if err != nil {
		return wire.UnknownContext, err
	}
	ciphertext, err := sc.encryptor.Encrypt(plaintext)
	if err != nil {
		return wire.UnknownContext, fmt.Errorf("secure: encrypt: %w", err)
	}
	return sc.ch.Send(InnerTypeCode, map[string][]byte{attrCiphertext: ciphertext}, wire.UnknownContext)
}

// Dispose tears down the wrapped Message Channel.
func (sc *Channel) Dispose() {
	if !sc.disposed.CompareAndSwap(false, true) {
		return
	}
	sc.ch.Dispose()
}

func (sc *Channel) handleMessage(context, responseContext, typeCode uint64, attrs map[string][]byte) {
	if typeCode != InnerTypeCode || len(attrs) != 1 {
		sc.emitErrored(FormatError, fmt.Errorf("secure: message has type-code %d and %d attributes", typeCode, len(attrs)))
		return
	}
	ciphertext, ok := attrs[attrCiphertext]
	if !ok {
		sc.emitErrored(FormatError, fmt.Errorf("secure: message missing %q attribute", attrCiphertext))
		return
	}

	plaintext, err := sc.decryptor.Decrypt(ciphertext)
	if err != nil {
		sc.emitErrored(CryptographyError, err)
		return
	}

	innerAttrs, err := wire.DecodeAttributes(plaintext)
	if err != nil {
		sc.emitErrored(FormatError, err)
		return
	}

	sc.emitMessage(context, innerAttrs)
}

func (sc *Channel) handleChannelError(kind channel.ErrorKind, reason channel.Reason, context uint64, detail error) {
	sc.emitErrored(Unknown, fmt.Errorf("secure: underlying channel error: %w", detail))
}

func (sc *Channel) handleDisconnected() {
	sc.subMu.RLock()
	handlers := make([]DisconnectedHandler, 0, len(sc.onDisconnected))
	for _, h := range sc.onDisconnected {
		handlers = append(handlers, h)
	}
	sc.subMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (sc *Channel) emitMessage(context uint64, attrs map[string][]byte) {
	sc.subMu.RLock()
	handlers := make([]MessageReceivedHandler, 0, len(sc.onMessage))
	for _, h := range sc.onMessage {
		handlers = append(handlers, h)
	}
	sc.subMu.RUnlock()
	for _, h := range handlers {
		h(context, attrs)
	}
}

func (sc *Channel) emitErrored(kind ErrorKind, detail error) {
	sc.log.WithError(detail).Debug("secure channel error")
	sc.subMu.RLock()
	handlers := make([]ErroredHandler, 0, len(sc.onErrored))
	for _, h := range sc.onErrored {
		handlers = append(handlers, h)
	}
	sc.subMu.RUnlock()
	for _, h := range handlers {
		h(kind, detail)
	}
}
