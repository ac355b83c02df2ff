// Package ingest implements the datagram listener that turns packetised UDP
// traffic into fragments handed to a client's Frame Cache. It never responds
// on the wire: acking an unauthenticated or malformed datagram would be a
// DDoS amplification vector.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"videodaemon/internal/auth"
	"videodaemon/internal/cache"
)

// maxDatagramSize is the upper bound named in §6: large enough for a
// reasonable path MTU, never large enough to invite abuse.
const maxDatagramSize = 8192

var errMalformedDatagram = errors.New("ingest: malformed datagram")

// Authenticator is the subset of *auth.Authenticator the Ingest Server needs.
type Authenticator interface {
	Resolve(token string) (*auth.Client, error)
}

// Registry is the subset of *registry.Registry the Ingest Server needs.
type Registry interface {
	GetOrCreate(client *auth.Client) *cache.Cache
}

// Metrics is the subset of *metrics.Recorder the Ingest Server reports to.
type Metrics interface {
	ObserveDatagram(result string)
	ObserveFragmentDrop(reason string)
}

// Config configures the Ingest Server.
type Config struct {
	ListenAddr string
}

// Server is the UDP frame/fragment listener described in §4.3.
type Server struct {
	cfg      Config
	auth     Authenticator
	registry Registry
	logger   *slog.Logger
	metrics  Metrics

	mu   sync.Mutex
	conn net.PacketConn
	wg   sync.WaitGroup
}

// New constructs an unstarted Ingest Server.
func New(cfg Config, authenticator Authenticator, registry Registry, logger *slog.Logger, recorder Metrics) *Server {
	return &Server{cfg: cfg, auth: authenticator, registry: registry, logger: logger, metrics: recorder}
}

// Start binds the UDP socket and launches the receive loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("ingest: server already started")
	}
	conn, err := net.ListenPacket("udp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.conn = conn
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("ingest server listening", "addr", conn.LocalAddr().String())
	}
	s.wg.Add(1)
	go s.receiveLoop()
	return nil
}

// Addr returns the bound socket's address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for the receive loop to exit.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	s.wg.Wait()
	return err
}

func (s *Server) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram)
	}
}

func (s *Server) handleDatagram(datagram []byte) {
	token, sequence, total, index, payload, err := parseDatagram(datagram)
	if err != nil {
		s.observe("malformed")
		return
	}

	client, err := s.auth.Resolve(token)
	if err != nil {
		s.observe("unknown_token")
		return
	}

	feed := s.registry.GetOrCreate(client)
	if err := feed.SubmitFragment(sequence, total, index, payload); err != nil {
		if s.metrics != nil {
			s.metrics.ObserveFragmentDrop("malformed")
		}
		s.observe("malformed")
		return
	}
	client.Touch(time.Now())
	s.observe("ok")
}

func (s *Server) observe(result string) {
	if s.metrics != nil {
		s.metrics.ObserveDatagram(result)
	}
}

// parseDatagram splits "<token>\0<seq>\0<frag_total>\0<frag_index>\0<payload>\0".
// It locates only the first four delimiters from the left; everything
// between the fourth delimiter and the trailing one is payload, which may
// itself contain null bytes.
func parseDatagram(datagram []byte) (token string, sequence int64, total, index int, payload []byte, err error) {
	if len(datagram) == 0 || datagram[len(datagram)-1] != 0x00 {
		return "", 0, 0, 0, nil, errMalformedDatagram
	}
	body := datagram[:len(datagram)-1]

	fields := make([][]byte, 0, 4)
	rest := body
	for i := 0; i < 4; i++ {
		idx := bytes.IndexByte(rest, 0x00)
		if idx < 0 {
			return "", 0, 0, 0, nil, errMalformedDatagram
		}
		fields = append(fields, rest[:idx])
		rest = rest[idx+1:]
	}

	seq, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return "", 0, 0, 0, nil, errMalformedDatagram
	}
	fragTotal, err := strconv.Atoi(string(fields[2]))
	if err != nil {
		return "", 0, 0, 0, nil, errMalformedDatagram
	}
	fragIndex, err := strconv.Atoi(string(fields[3]))
	if err != nil {
		return "", 0, 0, 0, nil, errMalformedDatagram
	}

	return string(fields[0]), seq, fragTotal, fragIndex, rest, nil
}
