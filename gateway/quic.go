// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
	"github.com/katzenpost/mixclient/core/worker"
)

// ALPN is the QUIC application protocol of the gateway link.
const ALPN = "mixclient/1"

const recvQueueLength = 1024

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  time.Minute,
	}
}

// GenerateTLSConfig returns a bare-bones TLS config with a self-signed
// ed25519 certificate, for gateway listeners.
func GenerateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{ALPN}}, nil
}

// ClientTLSConfig returns the TLS config used to dial a gateway.  The
// gateway is authenticated by the shared frame key, not by its
// certificate.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
}

// QUICTransport is a Transport over a single bidirectional QUIC stream.
type QUICTransport struct {
	worker.Worker

	log    *logging.Logger
	sealer *Sealer
	conn   *quic.Conn
	stream *quic.Stream

	wrLock sync.Mutex
	recvCh chan *Delivery

	closeOnce sync.Once
}

// DialQUIC connects to the gateway at addr.  A nil tlsConf uses
// ClientTLSConfig.
func DialQUIC(ctx context.Context, log *logging.Logger, addr string, sealer *Sealer, tlsConf *tls.Config) (*QUICTransport, error) {
	if tlsConf == nil {
		tlsConf = ClientTLSConfig()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	t := &QUICTransport{
		log:    log,
		sealer: sealer,
		conn:   conn,
		stream: stream,
		recvCh: make(chan *Delivery, recvQueueLength),
	}

	// The peer only sees the stream once something is written to it.
	if err := writeFrame(stream, nil); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	t.Go(t.reader)
	log.Noticef("Connected to gateway %v", conn.RemoteAddr())
	return t, nil
}

// Send implements Transport.
func (t *QUICTransport) Send(ctx context.Context, firstHop *[sConstants.NodeIDLength]byte, pkt []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := t.sealer.SealForwardRequest(&ForwardRequest{FirstHop: *firstHop, Packet: pkt})
	if err != nil {
		return err
	}

	t.wrLock.Lock()
	defer t.wrLock.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.stream.SetWriteDeadline(deadline)
		defer t.stream.SetWriteDeadline(time.Time{})
	}
	return writeFrame(t.stream, b)
}

// Receive implements Transport.
func (t *QUICTransport) Receive() <-chan *Delivery {
	return t.recvCh
}

// Close implements Transport.
func (t *QUICTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.CloseWithError(0, "")
		t.Halt()
	})
	return err
}

func (t *QUICTransport) reader() {
	for {
		b, err := readFrame(t.stream)
		if err != nil {
			if !t.IsHalted() {
				t.log.Errorf("Gateway connection failed: %v", err)
			}
			return
		}
		if len(b) == 0 {
			continue
		}
		d, err := t.sealer.OpenPushedMessage(b)
		if err != nil {
			t.log.Warningf("Dropping pushed message: %v", err)
			continue
		}
		select {
		case t.recvCh <- d:
		case <-t.HaltCh():
			return
		}
	}
}

// Listener accepts client connections on the gateway side.
type Listener struct {
	ln     *quic.Listener
	sealer *Sealer
}

// ListenQUIC listens on addr.  A nil tlsConf uses GenerateTLSConfig.
func ListenQUIC(addr string, sealer *Sealer, tlsConf *tls.Config) (*Listener, error) {
	if tlsConf == nil {
		var err error
		if tlsConf, err = GenerateTLSConfig(); err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, sealer: sealer}, nil
}

// Addr returns the listener's address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a client and its stream.
func (l *Listener) Accept(ctx context.Context) (*ServerConn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &ServerConn{conn: conn, stream: stream, sealer: l.sealer}, nil
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// ServerConn is the gateway end of a client connection.
type ServerConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	sealer *Sealer

	wrLock sync.Mutex
}

// ReadRequest returns the next ForwardRequest from the client.
func (c *ServerConn) ReadRequest() (*ForwardRequest, error) {
	for {
		b, err := readFrame(c.stream)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			continue
		}
		return c.sealer.OpenForwardRequest(b)
	}
}

// Push sends a Delivery to the client.
func (c *ServerConn) Push(d *Delivery) error {
	if d == nil {
		return errors.New("gateway: nil delivery")
	}
	b, err := c.sealer.SealPushedMessage(d)
	if err != nil {
		return err
	}
	c.wrLock.Lock()
	defer c.wrLock.Unlock()
	return writeFrame(c.stream, b)
}

// Close closes the connection.
func (c *ServerConn) Close() error {
	return c.conn.CloseWithError(0, "")
}
