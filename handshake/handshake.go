// Package handshake implements the one-round asymmetric key exchange that
// negotiates a Secure Channel's two per-direction symmetric keys over a
// plaintext Message Channel.
package handshake

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arcwire/securechan/channel"
	"github.com/arcwire/securechan/crypto"
	"github.com/arcwire/securechan/logging"
	"github.com/arcwire/securechan/secure"
	"github.com/arcwire/securechan/wire"
)

// Type-codes reserved for handshake traffic on a Message Channel.
const (
	RSAType uint64 = 4391
	AESType uint64 = 4392
)

// Attribute names used by the handshake messages.
const (
	attrPublicKey    = "R"
	attrEncryptedIV  = "V"
	attrEncryptedKey = "K"
)

// ErrorKind classifies why a handshake failed.
type ErrorKind int

const (
	// ChannelDisconnected indicates the underlying channel disconnected.
	ChannelDisconnected ErrorKind = iota
	// ChannelError indicates the underlying channel reported an error, or a
	// handshake message could not be built or sent.
	ChannelError
	// FormatError indicates a handshake message had the wrong attribute set.
	FormatError
	// RSADecryptionFailed indicates an AES-type message failed to decrypt.
	RSADecryptionFailed
)

// CompletedHandler is invoked exactly once, with the ready Secure Channel,
// when both handshake directions have completed.
type CompletedHandler func(sc *secure.Channel)

// ErroredHandler is invoked exactly once if the handshake fails.
type ErroredHandler func(kind ErrorKind, detail error)

// rendezvous joins two independent completion signals (inbound, outbound)
// before releasing a single build step exactly once.
type rendezvous struct {
	mu       sync.Mutex
	inbound  bool
	outbound bool
	once     sync.Once
	build    func()
}

func (r *rendezvous) signalInbound() {
	r.mu.Lock()
	r.inbound = true
	ready := r.inbound && r.outbound
	r.mu.Unlock()
	if ready {
		r.once.Do(r.build)
	}
}

func (r *rendezvous) signalOutbound() {
	r.mu.Lock()
	r.outbound = true
	ready := r.inbound && r.outbound
	r.mu.Unlock()
	if ready {
		r.once.Do(r.build)
	}
}

// Handshaker runs the asymmetric handshake over a plaintext Message Channel.
type Handshaker struct {
	ch  *channel.Channel
	log *logging.Logger

	localKeyPair *crypto.KeyPair
	outboundSym  *crypto.SymmetricKey
	inboundSym   *crypto.SymmetricKey

	inboundComplete  atomic.Bool
	outboundComplete atomic.Bool

	rv *rendezvous

	disposed atomic.Bool

	subMu    sync.Mutex
	onMsgID  uint64
	onErrID  uint64
	onDiscID uint64

	onCompleted CompletedHandler
	onErrored   ErroredHandler

	errOnce sync.Once
}

// New constructs a Handshaker over an already-connected, plaintext Message
// Channel. It generates the local asymmetric keypair and the local outbound
// symmetric key/IV immediately.
func New(ch *channel.Channel) (*Handshaker, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate keypair: %w", err)
	}
	outboundSym, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate symmetric key: %w", err)
	}

	hs := &Handshaker{
		ch:           ch,
		log:          logging.New("handshake"),
		localKeyPair: kp,
		outboundSym:  outboundSym,
	}
	hs.rv = &rendezvous{build: hs.buildSecureChannel}

	hs.onMsgID = ch.OnMessageReceived(hs.handleMessage)
	hs.onErrID = ch.OnError(hs.handleChannelError)
	hs.onDiscID = ch.OnDisconnected(hs.handleDisconnected)

	return hs, nil
}

// OnCompleted registers the single handler invoked on success.
func (hs *Handshaker) OnCompleted(h CompletedHandler) { hs.onCompleted = h }

// OnErrored registers the single handler invoked on failure.
func (hs *Handshaker) OnErrored(h ErroredHandler) { hs.onErrored = h }

// Initiate sends the local public key to the peer, starting the handshake.
func (hs *Handshaker) Initiate() error {
	pubDER, err := crypto.MarshalPublicKey(hs.localKeyPair.Public)
	if err != nil {
		hs.fail(ChannelError, err)
		return err
	}
	_, err = hs.ch.Send(RSAType, map[string][]byte{attrPublicKey: pubDER}, wire.UnknownContext)
	if err != nil {
		hs.fail(ChannelError, err)
		return err
	}
	return nil
}

func (hs *Handshaker) handleMessage(context, responseContext, typeCode uint64, attrs map[string][]byte) {
	switch typeCode {
	case RSAType:
		go hs.processRSA(attrs)
	case AESType:
		go hs.processAES(attrs)
	}
}

// processRSA handles an inbound RSA_TYPE message: import the peer's public
// key, wrap our outbound symmetric material under it, and send the AES_TYPE
// reply. It runs detached from the channel's receive worker so that the
// handshaker's own Send (which blocks on nothing, but conceptually could)
// never stalls delivery of the peer's subsequent AES_TYPE message.
func (hs *Handshaker) processRSA(attrs map[string][]byte) {
	if len(attrs) != 1 {
		hs.fail(FormatError, fmt.Errorf("handshake: RSA message has %d attributes, want 1", len(attrs)))
		return
	}
	pubDER, ok := attrs[attrPublicKey]
	if !ok {
		hs.fail(FormatError, fmt.Errorf("handshake: RSA message missing %q attribute", attrPublicKey))
		return
	}

	remotePub, err := crypto.ParsePublicKey(pubDER)
	if err != nil {
		hs.fail(FormatError, err)
		return
	}

	encIV, err := crypto.EncryptOAEP(remotePub, hs.outboundSym.IV)
	if err != nil {
		hs.fail(ChannelError, err)
		return
	}
	encKey, err := crypto.EncryptOAEP(remotePub, hs.outboundSym.Key)
	if err != nil {
		hs.fail(ChannelError, err)
		return
	}

	_, err = hs.ch.Send(AESType, map[string][]byte{
		attrEncryptedIV:  encIV,
		attrEncryptedKey: encKey,
	}, wire.UnknownContext)
	if err != nil {
		hs.fail(ChannelError, err)
		return
	}

	hs.outboundComplete.Store(true)
	hs.rv.signalOutbound()
}

// processAES handles an inbound AES_TYPE message: unwrap the peer's
// symmetric material with our private key and store it as the inbound
// direction.
func (hs *Handshaker) processAES(attrs map[string][]byte) {
	if len(attrs) != 2 {
		hs.fail(FormatError, fmt.Errorf("handshake: AES message has %d attributes, want 2", len(attrs)))
		return
	}
	encIV, ok1 := attrs[attrEncryptedIV]
	encKey, ok2 := attrs[attrEncryptedKey]
	if !ok1 || !ok2 {
		hs.fail(FormatError, fmt.Errorf("handshake: AES message missing %q/%q attributes", attrEncryptedIV, attrEncryptedKey))
		return
	}

	iv, err := crypto.DecryptOAEP(hs.localKeyPair.Private, encIV)
	if err != nil {
		hs.fail(RSADecryptionFailed, err)
		return
	}
	key, err := crypto.DecryptOAEP(hs.localKeyPair.Private, encKey)
	if err != nil {
		hs.fail(RSADecryptionFailed, err)
		return
	}

	hs.inboundSymSet(&crypto.SymmetricKey{Key: key, IV: iv})
	hs.inboundComplete.Store(true)
	hs.rv.signalInbound()
}

func (hs *Handshaker) inboundSymSet(sk *crypto.SymmetricKey) {
	hs.subMu.Lock()
	hs.inboundSym = sk
	hs.subMu.Unlock()
}

func (hs *Handshaker) buildSecureChannel() {
	if hs.disposed.Load() {
		return
	}

	hs.subMu.Lock()
	inbound := hs.inboundSym
	hs.subMu.Unlock()

	sc := secure.New(hs.ch, hs.outboundSym, inbound)

	hs.unsubscribe()
	hs.disposed.Store(true)

	if hs.onCompleted != nil {
		hs.onCompleted(sc)
	}
}

func (hs *Handshaker) handleChannelError(kind channel.ErrorKind, reason channel.Reason, context uint64, detail error) {
	hs.fail(ChannelError, detail)
}

func (hs *Handshaker) handleDisconnected() {
	hs.fail(ChannelDisconnected, errors.New("handshake: channel disconnected"))
}

func (hs *Handshaker) fail(kind ErrorKind, detail error) {
	hs.errOnce.Do(func() {
		if hs.disposed.CompareAndSwap(false, true) {
			hs.unsubscribe()
		}
		hs.log.WithError(detail).Warn("handshake failed")
		if hs.onErrored != nil {
			hs.onErrored(kind, detail)
		}
	})
}

func (hs *Handshaker) unsubscribe() {
	hs.ch.RemoveHandler(hs.onMsgID)
	hs.ch.RemoveHandler(hs.onErrID)
	hs.ch.RemoveHandler(hs.onDiscID)
}
