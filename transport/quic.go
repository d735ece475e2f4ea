// Package transport provides a QUIC-based alternate to a plain TCP
// connection for use as a channel.Stream: one bidirectional QUIC stream per
// logical connection. QUIC itself requires TLS, but since the protocol's own
// handshake layer establishes confidentiality (and, per its non-goals, never
// peer identity), the TLS layer here is configured to skip certificate
// verification entirely — it exists only to satisfy QUIC, not to authenticate
// anything.
package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const alpnProtocol = "securechan-v1"

// QUICStream wraps a single bidirectional quic.Stream together with its
// parent connection, satisfying channel.Stream (Read/Write/Close) and
// exposing RemoteAddr so Channel.RemoteAddr can report it.
type QUICStream struct {
	*quic.Stream
	conn *quic.Conn
}

// RemoteAddr returns the remote address of the underlying QUIC connection.
func (s *QUICStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close closes both the stream and, since this implementation is
// one-stream-per-connection, the underlying QUIC connection.
func (s *QUICStream) Close() error {
	err := s.Stream.Close()
	_ = s.conn.CloseWithError(0, "")
	return err
}

// DialQUIC opens a QUIC connection to addr and returns its single
// bidirectional stream.
func DialQUIC(ctx context.Context, addr string) (*QUICStream, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("transport: listen UDP: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, udpAddr, clientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("transport: QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}

	return &QUICStream{Stream: stream, conn: qconn}, nil
}

// QUICListener accepts QUIC connections and hands back the single
// bidirectional stream each peer opens.
type QUICListener struct {
	tr *quic.Transport
	ln *quic.Listener
}

// ListenQUIC starts a QUIC listener on addr with an ephemeral self-signed
// certificate.
func ListenQUIC(addr string) (*QUICListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}

	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen UDP: %w", err)
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: generate TLS cert: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(serverTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: QUIC listen: %w", err)
	}

	return &QUICListener{tr: tr, ln: ln}, nil
}

// Accept waits for the next incoming connection and returns its single
// bidirectional stream.
func (l *QUICListener) Accept(ctx context.Context) (*QUICStream, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept QUIC connection: %w", err)
	}

	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "accept stream failed")
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}

	return &QUICStream{Stream: stream, conn: qconn}, nil
}

// Close shuts down the listener and its underlying UDP transport.
func (l *QUICListener) Close() error {
	err := l.ln.Close()
	_ = l.tr.Close()
	return err
}

func quicConfig() *quic.Config {
	return &quic.Config{MaxIdleTimeout: 30 * time.Second}
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
