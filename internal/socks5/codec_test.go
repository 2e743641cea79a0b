package socks5

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGreeting(t *testing.T) {
	buf := []byte{Version, 2, 0x00, 0x01}
	g, n, err := ParseGreeting(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0x00, 0x01}, g.Methods)
	assert.True(t, g.Offers(MethodNoAuth))
	assert.False(t, g.Offers(0x02))
}

func TestParseGreetingRejectsBadVersion(t *testing.T) {
	_, _, err := ParseGreeting([]byte{0x04, 1, 0x00})
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestParseGreetingRejectsZeroMethods(t *testing.T) {
	_, _, err := ParseGreeting([]byte{Version, 0})
	require.Error(t, err)
}

func TestParseGreetingRejectsTooManyMethods(t *testing.T) {
	buf := append([]byte{Version, 17}, make([]byte, 17)...)
	_, _, err := ParseGreeting(buf)
	require.Error(t, err)
}

func TestParseGreetingRejectsTruncated(t *testing.T) {
	_, _, err := ParseGreeting([]byte{Version, 3, 0x00, 0x01})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestParseGreetingNeverReadsPastDeclaredLength(t *testing.T) {
	// Trailing bytes beyond the declared frame are not consumed or errored.
	buf := []byte{Version, 1, 0x00, 'p', 'i', 'n', 'g'}
	g, n, err := ParseGreeting(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0x00}, g.Methods)
}

func TestEncodeMethodSelection(t *testing.T) {
	assert.Equal(t, []byte{Version, MethodNoAuth}, EncodeMethodSelection(MethodNoAuth))
	assert.Equal(t, []byte{Version, MethodNoAcceptable}, EncodeMethodSelection(MethodNoAcceptable))
}

// TestRequestBigEndianPort is a golden vector regression test: the original
// C implementation this proxy was modeled on encoded/decoded the port field
// little-endian, which only happened to work on little-endian hosts. RFC
// 1928 requires big-endian on the wire.
func TestRequestBigEndianPort(t *testing.T) {
	// CONNECT 127.0.0.1:5010 -> 0x1392
	buf := []byte{Version, CmdConnect, 0x00, ATypIPv4, 127, 0, 0, 1, 0x13, 0x92}
	req, n, err := ParseRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, uint16(5010), req.Port)
	assert.Equal(t, "127.0.0.1", req.Addr)
	assert.Equal(t, byte(CmdConnect), req.Cmd)
}

func TestParseRequestDomain(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, ATypDomain, 11, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm', 0x00, 0x50}
	req, n, err := ParseRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, "example.com", req.Addr)
	assert.Equal(t, uint16(80), req.Port)
}

func TestRequestRejectsNonConnectCommand(t *testing.T) {
	buf := []byte{Version, 0x02, 0x00, ATypIPv4, 1, 2, 3, 4, 0, 80}
	_, _, err := ParseRequest(buf)
	require.Error(t, err)
}

func TestRequestRejectsUnsupportedAddrType(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, 0x04, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 0, 80}
	_, _, err := ParseRequest(buf)
	require.Error(t, err)
}

func TestRequestRejectsTruncatedIPv4(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, ATypIPv4, 127, 0, 0}
	_, _, err := ParseRequest(buf)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestRequestRejectsTruncatedDomain(t *testing.T) {
	buf := []byte{Version, CmdConnect, 0x00, ATypDomain, 5, 'h', 'i'}
	_, _, err := ParseRequest(buf)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestReplyEncodeDecodeRoundTrip(t *testing.T) {
	r := Reply{Status: RepSuccess, AddrType: ATypIPv4, Addr: "127.0.0.1", Port: 5010}
	buf, err := EncodeReply(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{Version, RepSuccess, 0x00, ATypIPv4, 127, 0, 0, 1, 0x13, 0x92}, buf)

	decoded, n, err := ParseReply(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, r, decoded)
}

func TestReplyEncodeFailureZeroFilled(t *testing.T) {
	r := Reply{Status: RepGeneralFailure, AddrType: ATypIPv4}
	buf, err := EncodeReply(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{Version, RepGeneralFailure, 0x00, ATypIPv4, 0, 0, 0, 0, 0, 0}, buf)
}

func TestReplyEncodeRejectsOversizedDomain(t *testing.T) {
	huge := make([]byte, 256)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := EncodeReply(Reply{Status: RepSuccess, AddrType: ATypDomain, Addr: string(huge)})
	require.Error(t, err)
}
