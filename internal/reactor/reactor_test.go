package reactor

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiwannafly/socks-proxy/internal/metrics"
	"github.com/aiwannafly/socks-proxy/internal/socks5"
)

// freePort asks the kernel for an unused TCP port by briefly binding to
// it. There's an inherent TOCTOU gap between closing the listener and the
// reactor binding the same port, but it's the same pattern every net/http
// test suite uses and is good enough here.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startReactor(t *testing.T, port int) *Reactor {
	t.Helper()
	r, err := New(Config{Port: port, IdleTimeout: 2 * time.Second, MaxPairs: 16})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	t.Cleanup(func() {
		r.Signal()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("reactor did not stop after Signal")
		}
	})
	return r
}

func dialLoop(t *testing.T, port int) net.Conn {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("could not connect to 127.0.0.1:%d", port)
	return nil
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, n)
	_, err := readFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func greetingFrame(methods ...byte) []byte {
	return append([]byte{socks5.Version, byte(len(methods))}, methods...)
}

func requestFrame(t *testing.T, ip string, port int) []byte {
	t.Helper()
	parts := net.ParseIP(ip).To4()
	require.NotNil(t, parts)
	buf := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATypIPv4, parts[0], parts[1], parts[2], parts[3], 0, 0}
	binary.BigEndian.PutUint16(buf[8:], uint16(port))
	return buf
}

func TestHappyPathRelay(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer targetLn.Close()

	targetAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := targetLn.Accept()
		if err == nil {
			targetAccepted <- conn
		}
	}()

	port := freePort(t)
	startReactor(t, port)
	client := dialLoop(t, port)
	defer client.Close()

	_, err = client.Write(greetingFrame(socks5.MethodNoAuth))
	require.NoError(t, err)
	sel := readN(t, client, 2)
	assert.Equal(t, []byte{socks5.Version, socks5.MethodNoAuth}, sel)

	targetAddr := targetLn.Addr().(*net.TCPAddr)
	_, err = client.Write(requestFrame(t, "127.0.0.1", targetAddr.Port))
	require.NoError(t, err)

	reply := readN(t, client, 10)
	parsed, _, err := socks5.ParseReply(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(socks5.RepSuccess), parsed.Status)
	assert.Equal(t, byte(socks5.ATypIPv4), parsed.AddrType)
	assert.Equal(t, "127.0.0.1", parsed.Addr, "CONNECT reply must echo the request's own address, not a zero-filled one")
	assert.Equal(t, uint16(targetAddr.Port), parsed.Port, "CONNECT reply must echo the request's own port, not a zero-filled one")

	var targetConn net.Conn
	select {
	case targetConn = <-targetAccepted:
	case <-time.After(time.Second):
		t.Fatal("target never accepted a connection")
	}
	defer targetConn.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), readN(t, targetConn, 4))

	_, err = targetConn.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), readN(t, client, 4))
}

// TestConnectReplyMatchesGoldenVector reproduces the literal worked
// example for a successful CONNECT to 127.0.0.1:5010: the reply must be
// exactly 05 00 00 01 7F 00 00 01 13 92, echoing the request's own
// DST.ADDR/DST.PORT rather than emitting a zero-filled BND.ADDR/BND.PORT.
func TestConnectReplyMatchesGoldenVector(t *testing.T) {
	const targetPort = 5010
	targetLn, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(targetPort)))
	if err != nil {
		t.Skipf("port %d unavailable for the golden-vector target: %v", targetPort, err)
	}
	defer targetLn.Close()
	go targetLn.Accept()

	port := freePort(t)
	startReactor(t, port)
	client := dialLoop(t, port)
	defer client.Close()

	_, err = client.Write(greetingFrame(socks5.MethodNoAuth))
	require.NoError(t, err)
	readN(t, client, 2)

	_, err = client.Write(requestFrame(t, "127.0.0.1", targetPort))
	require.NoError(t, err)

	reply := readN(t, client, 10)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x13, 0x92}, reply)
}

func TestNoAcceptableMethodsClosesConnection(t *testing.T) {
	port := freePort(t)
	startReactor(t, port)
	client := dialLoop(t, port)
	defer client.Close()

	_, err := client.Write(greetingFrame(0x01)) // GSSAPI only, unsupported
	require.NoError(t, err)

	sel := readN(t, client, 2)
	assert.Equal(t, []byte{socks5.Version, socks5.MethodNoAcceptable}, sel)

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.Error(t, err, "connection should be closed after a no-acceptable-methods reply")
}

func TestConnectionRefusedMapsToConnRefusedStatus(t *testing.T) {
	// Bind and immediately close to get a port nothing is listening on.
	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refusedPort := closedLn.Addr().(*net.TCPAddr).Port
	require.NoError(t, closedLn.Close())

	port := freePort(t)
	startReactor(t, port)
	client := dialLoop(t, port)
	defer client.Close()

	_, err = client.Write(greetingFrame(socks5.MethodNoAuth))
	require.NoError(t, err)
	readN(t, client, 2)

	_, err = client.Write(requestFrame(t, "127.0.0.1", refusedPort))
	require.NoError(t, err)

	reply := readN(t, client, 10)
	parsed, _, err := socks5.ParseReply(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(socks5.RepConnRefused), parsed.Status)
}

func TestBadVersionByteClosesConnection(t *testing.T) {
	port := freePort(t)
	startReactor(t, port)
	client := dialLoop(t, port)
	defer client.Close()

	_, err := client.Write([]byte{0x04, 0x01, socks5.MethodNoAuth})
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.Error(t, err, "a bad version byte should close the connection without a reply")
}

func TestPipelinedGreetingRequestAndPayload(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer targetLn.Close()

	targetAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := targetLn.Accept()
		if err == nil {
			targetAccepted <- conn
		}
	}()

	port := freePort(t)
	startReactor(t, port)
	client := dialLoop(t, port)
	defer client.Close()

	targetAddr := targetLn.Addr().(*net.TCPAddr)
	pipelined := append(greetingFrame(socks5.MethodNoAuth), requestFrame(t, "127.0.0.1", targetAddr.Port)...)
	pipelined = append(pipelined, []byte("early-bytes")...)

	_, err = client.Write(pipelined)
	require.NoError(t, err)

	readN(t, client, 2)  // method selection
	readN(t, client, 10) // CONNECT reply

	var targetConn net.Conn
	select {
	case targetConn = <-targetAccepted:
	case <-time.After(time.Second):
		t.Fatal("target never accepted a connection")
	}
	defer targetConn.Close()

	assert.Equal(t, []byte("early-bytes"), readN(t, targetConn, len("early-bytes")))
}

func TestShutdownMidRelayClosesBothSides(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer targetLn.Close()

	targetAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := targetLn.Accept()
		if err == nil {
			targetAccepted <- conn
		}
	}()

	port := freePort(t)
	r, err := New(Config{Port: port, IdleTimeout: 5 * time.Second, MaxPairs: 16})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	client := dialLoop(t, port)
	defer client.Close()

	_, err = client.Write(greetingFrame(socks5.MethodNoAuth))
	require.NoError(t, err)
	readN(t, client, 2)

	targetAddr := targetLn.Addr().(*net.TCPAddr)
	_, err = client.Write(requestFrame(t, "127.0.0.1", targetAddr.Port))
	require.NoError(t, err)
	readN(t, client, 10)

	select {
	case <-targetAccepted:
	case <-time.After(time.Second):
		t.Fatal("target never accepted a connection")
	}

	require.NoError(t, r.Signal())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not shut down after Signal")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.Error(t, err, "client connection should be closed after shutdown")
}

func TestActivePairsGaugeDecrementsOnClose(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer targetLn.Close()

	targetAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := targetLn.Accept()
		if err == nil {
			targetAccepted <- conn
		}
	}()

	port := freePort(t)
	m := metrics.New()
	r, err := New(Config{Port: port, IdleTimeout: 2 * time.Second, MaxPairs: 16, Metrics: m})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	t.Cleanup(func() {
		r.Signal()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("reactor did not stop after Signal")
		}
	})

	client := dialLoop(t, port)

	_, err = client.Write(greetingFrame(socks5.MethodNoAuth))
	require.NoError(t, err)
	readN(t, client, 2)

	targetAddr := targetLn.Addr().(*net.TCPAddr)
	_, err = client.Write(requestFrame(t, "127.0.0.1", targetAddr.Port))
	require.NoError(t, err)
	readN(t, client, 10)

	select {
	case <-targetAccepted:
	case <-time.After(time.Second):
		t.Fatal("target never accepted a connection")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActivePairs))

	require.NoError(t, client.Close())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.ActivePairs) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActivePairs), "ActivePairs must be decremented once the pair is torn down")
}
