package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"videodaemon/internal/auth"
)

func startTestServer(t *testing.T, whitelist []string) (*Server, *auth.Authenticator) {
	t.Helper()
	authenticator, err := auth.New(auth.Config{}, nil)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	srv := New(Config{
		ListenAddr: "127.0.0.1:0",
		Whitelist:  whitelist,
		IngestHost: "127.0.0.1",
		IngestPort: 9200,
		RateLimit:  RateLimitConfig{Limit: 100, Window: time.Minute},
	}, authenticator, nil, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
	})
	return srv, authenticator
}

func dialAndHandshake(t *testing.T, addr, identifier string) (string, bool) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := append([]byte{0x01, 0x00}, []byte(identifier)...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := bufio.NewReader(conn)
	opcode, err := r.ReadByte()
	if err != nil {
		return "", false
	}
	version, err := r.ReadByte()
	if err != nil || opcode != 0x01 || version != 0x00 {
		return "", false
	}
	token, err := r.ReadString(0x00)
	if err != nil {
		return "", false
	}
	return strings.TrimSuffix(token, "\x00"), true
}

// S1: repeated handshakes from the same peer yield the identical token.
func TestHandshakeFromWhitelistedPeerIsIdempotent(t *testing.T) {
	srv, _ := startTestServer(t, []string{"127.0.0.1"})

	first, ok := dialAndHandshake(t, srv.Addr().String(), "TEST_STREAM")
	if !ok {
		t.Fatal("expected a successful handshake response")
	}
	if len(first) != auth.DefaultTokenLength {
		t.Fatalf("expected an %d-digit token, got %q", auth.DefaultTokenLength, first)
	}

	second, ok := dialAndHandshake(t, srv.Addr().String(), "TEST_STREAM")
	if !ok {
		t.Fatal("expected the second handshake to also succeed")
	}
	if second != first {
		t.Fatalf("expected idempotent token, got %q then %q", first, second)
	}
}

func TestHandshakeFromUnlistedPeerReceivesNoResponse(t *testing.T) {
	// The loopback address used by the test dialer is not in the whitelist,
	// so the connection must close without writing anything back.
	srv, _ := startTestServer(t, []string{"10.0.0.1"})

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := append([]byte{0x01, 0x00}, []byte("TEST_STREAM")...)
	req = append(req, 0x00)
	_, _ = conn.Write(req)

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected no response bytes and a closed connection, got n=%d err=%v", n, err)
	}
}

func TestHandshakeWithUnknownOpcodeIsDropped(t *testing.T) {
	srv, _ := startTestServer(t, []string{"127.0.0.1"})

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte{0x09, 0x00, 'x', 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected connection to be dropped with no response, got n=%d err=%v", n, err)
	}
}
