package device

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN identifies the remote CA device protocol on QUIC connections
const ALPN = "en50221-ca"

// Dialer opens a byte stream to a remote device server
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Acceptor yields byte streams from remote device clients
type Acceptor interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
	Addr() net.Addr
}

// TCPDialer returns a Dialer connecting to address over TCP
func TCPDialer(address string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: 10 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		return conn, nil
	}
}

type tcpAcceptor struct {
	listener net.Listener
}

// ListenTCP listens for remote device clients over TCP
func ListenTCP(address string) (Acceptor, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return &tcpAcceptor{listener: listener}, nil
}

func (a *tcpAcceptor) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := a.listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		a.listener.Close()
		return nil, ctx.Err()
	}
}

func (a *tcpAcceptor) Close() error   { return a.listener.Close() }
func (a *tcpAcceptor) Addr() net.Addr { return a.listener.Addr() }

// quicStream binds a stream to its connection so closing one tears down both
type quicStream struct {
	*quic.Stream
	conn    *quic.Conn
	udpConn *net.UDPConn
}

func (s *quicStream) Close() error {
	err := s.Stream.Close()
	s.conn.CloseWithError(0, "closed")
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	return err
}

// QUICDialer returns a Dialer connecting to address over QUIC.
// A nil tlsConfig accepts the server's self-signed certificate.
func QUICDialer(address string, tlsConfig *tls.Config) Dialer {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}}
	}
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		udpAddr, err := net.ResolveUDPAddr("udp", "0.0.0.0:0")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local UDP address: %w", err)
		}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create UDP socket: %w", err)
		}
		remoteAddr, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("failed to resolve remote address %s: %w", address, err)
		}
		conn, err := quic.Dial(ctx, udpConn, remoteAddr, tlsConfig, nil)
		if err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "failed to open stream")
			udpConn.Close()
			return nil, fmt.Errorf("failed to open stream: %w", err)
		}
		return &quicStream{Stream: stream, conn: conn, udpConn: udpConn}, nil
	}
}

type quicAcceptor struct {
	listener *quic.Listener
	udpConn  *net.UDPConn
}

// ListenQUIC listens for remote device clients over QUIC. A nil tlsConfig
// generates a self-signed certificate.
func ListenQUIC(address string, tlsConfig *tls.Config) (Acceptor, error) {
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = generateTLSConfig(); err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %s: %w", address, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	listener, err := quic.Listen(udpConn, tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	return &quicAcceptor{listener: listener, udpConn: udpConn}, nil
}

// Accept waits for a connection and its first stream. Clients send a status
// query first, which is what makes the stream visible here.
func (a *quicAcceptor) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := a.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func (a *quicAcceptor) Close() error {
	err := a.listener.Close()
	a.udpConn.Close()
	return err
}

func (a *quicAcceptor) Addr() net.Addr { return a.listener.Addr() }

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
	}, nil
}
