package fanout

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol identifies the fanout mesh on a QUIC endpoint.
const ALPNProtocol = "gridsync-fanout-v1"

// MagicBytes opens every relay stream.
const MagicBytes = "GSF1"

// MaxFrameSize bounds one relayed message.
const MaxFrameSize = 1 << 20

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
		Allow0RTT:       false,
	}
}

// MeshTLSConfig loads the certificate shared by every instance of the mesh.
// The certificate is also trusted as a root so peers using the same
// self-signed certificate verify each other.
func MeshTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("fanout: load keypair: %w", err)
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("fanout: read cert for root pool: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// QUICBus is a static full mesh: each instance listens for peers and opens
// one ordered unidirectional stream to every peer it publishes to. A failed
// peer is redialed on the next publish; messages sent meanwhile are lost.
type QUICBus struct {
	listen string
	tls    *tls.Config
	logger *slog.Logger

	mu       sync.Mutex
	peers    map[string]*peerLink
	listener *quic.Listener
}

type peerLink struct {
	conn   *quic.Conn
	stream *quic.SendStream
}

// NewQUICBus listens on listen (host:port) and publishes to peers.
func NewQUICBus(listen string, peers []string, tlsCfg *tls.Config, logger *slog.Logger) *QUICBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &QUICBus{listen: listen, tls: tlsCfg, logger: logger, peers: make(map[string]*peerLink)}
	for _, p := range peers {
		b.peers[p] = nil
	}
	return b
}

// AddPeer adds a peer address to the mesh.
func (b *QUICBus) AddPeer(addr string) {
	b.mu.Lock()
	if _, ok := b.peers[addr]; !ok {
		b.peers[addr] = nil
	}
	b.mu.Unlock()
}

// Addr returns the bound listen address once Subscribe succeeded.
func (b *QUICBus) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Publish writes m to every peer. It returns the joined errors of the peers
// that could not be reached.
func (b *QUICBus) Publish(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("fanout: quic marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("fanout: quic frame too large: %d bytes", len(data))
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for addr, link := range b.peers {
		if link == nil {
			link, err = b.dial(ctx, addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			b.peers[addr] = link
		}
		if _, err := link.stream.Write(frame); err != nil {
			link.conn.CloseWithError(1, "write failed")
			b.peers[addr] = nil
			errs = append(errs, fmt.Errorf("fanout: quic write %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (b *QUICBus) dial(ctx context.Context, addr string) (*peerLink, error) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(dctx, addr, b.tls, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("fanout: quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenUniStreamSync(dctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("fanout: quic open stream %s: %w", addr, err)
	}
	if _, err := stream.Write([]byte(MagicBytes)); err != nil {
		conn.CloseWithError(1, "write failed")
		return nil, fmt.Errorf("fanout: quic magic %s: %w", addr, err)
	}
	return &peerLink{conn: conn, stream: stream}, nil
}

// Subscribe starts the listener. Messages from every peer stream are merged
// into the returned channel.
func (b *QUICBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	ln, err := quic.ListenAddr(b.listen, b.tls, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("fanout: quic listen %s: %w", b.listen, err)
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	out := make(chan Message, 256)
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		ln.Close()
		b.closePeers()
	}()
	go func() {
		defer func() {
			wg.Wait()
			close(out)
		}()
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Error("fanout: quic accept", "error", err)
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := b.readPeer(ctx, conn, out); err != nil && ctx.Err() == nil {
					b.logger.Warn("fanout: quic peer stream ended", "error", err, "remote", conn.RemoteAddr())
				}
			}()
		}
	}()
	return out, nil
}

func (b *QUICBus) readPeer(ctx context.Context, conn *quic.Conn, out chan<- Message) error {
	defer conn.CloseWithError(0, "done")
	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return fmt.Errorf("accept stream: %w", err)
	}

	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(stream, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != MagicBytes {
		return fmt.Errorf("invalid magic: %q", magic)
	}

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
			return fmt.Errorf("read frame len: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > MaxFrameSize {
			return fmt.Errorf("frame too large: %d bytes", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(stream, buf); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		var m Message
		if err := json.Unmarshal(buf, &m); err != nil {
			return fmt.Errorf("unmarshal frame: %w", err)
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *QUICBus) closePeers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, link := range b.peers {
		if link != nil {
			link.stream.Close()
			link.conn.CloseWithError(0, "shutdown")
			b.peers[addr] = nil
		}
	}
}
