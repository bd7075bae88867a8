package server

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers every query with a fixed A record.
type echoHandler struct{}

func (echoHandler) HandleMessage(message []byte) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(message); err != nil {
		return nil
	}

	m := new(dns.Msg)
	m.SetReply(req)
	rr, _ := dns.NewRR(req.Question[0].Name + " 300 IN A 192.0.2.1")
	m.Answer = append(m.Answer, rr)

	raw, _ := m.Pack()
	return raw
}

// dropHandler never answers.
type dropHandler struct{}

func (dropHandler) HandleMessage([]byte) []byte { return nil }

func queryBytes(t *testing.T, name string, id uint16) []byte {
	t.Helper()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	req.Id = id

	raw, err := req.Pack()
	require.NoError(t, err)
	return raw
}

func udpSettings() Settings {
	return Settings{Address: "127.0.0.1", Protocol: "udp"}
}

func tcpSettings(persistent bool) Settings {
	return Settings{
		Address:     "127.0.0.1",
		Protocol:    "tcp",
		Persistent:  persistent,
		IdleTimeout: time.Second,
	}
}

func Test_CreateAndListen_errors(t *testing.T) {
	_, err := CreateAndListen(udpSettings(), nil)
	assert.Error(t, err)

	_, err = CreateAndListen(Settings{Protocol: "sctp"}, echoHandler{})
	assert.Error(t, err)

	_, err = CreateAndListen(Settings{Address: "127.0.0.1", Protocol: "tcp"}, echoHandler{})
	assert.Error(t, err, "tcp requires a positive idle timeout")

	_, err = CreateAndListen(Settings{Address: "127.0.0.1", Protocol: "udp", AccessList: []string{"bogus"}}, echoHandler{})
	assert.Error(t, err)
}

func Test_UDP_roundtrip(t *testing.T) {
	l, err := CreateAndListen(udpSettings(), echoHandler{})
	require.NoError(t, err)
	defer func() { l.Shutdown(); l.WaitShutdown() }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(queryBytes(t, "example.com.", 99))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, UDPRecvBufSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	assert.Equal(t, uint16(99), resp.Id)
	assert.Len(t, resp.Answer, 1)
}

func Test_UDP_access_list(t *testing.T) {
	settings := udpSettings()
	settings.AccessList = []string{"198.51.100.0/24"} // excludes loopback

	l, err := CreateAndListen(settings, echoHandler{})
	require.NoError(t, err)
	defer func() { l.Shutdown(); l.WaitShutdown() }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(queryBytes(t, "example.com.", 1))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = conn.Read(make([]byte, UDPRecvBufSize))
	assert.Error(t, err, "queries from disallowed clients get no reply")
}

func Test_UDP_rate_limit(t *testing.T) {
	settings := udpSettings()
	settings.ClientRateLimit = 1

	l, err := CreateAndListen(settings, echoHandler{})
	require.NoError(t, err)
	defer func() { l.Shutdown(); l.WaitShutdown() }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		_, err = conn.Write(queryBytes(t, "example.com.", uint16(i+1)))
		require.NoError(t, err)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, UDPRecvBufSize)

	answered := 0
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
		answered++
	}

	assert.Equal(t, 1, answered)
}

func writeTCPQuery(t *testing.T, conn net.Conn, raw []byte) {
	t.Helper()

	buf := make([]byte, 2+len(raw))
	binary.BigEndian.PutUint16(buf, uint16(len(raw)))
	copy(buf[2:], raw)

	_, err := conn.Write(buf)
	require.NoError(t, err)
}

func readTCPResponse(t *testing.T, conn net.Conn) *dns.Msg {
	t.Helper()

	sizeBuf := make([]byte, 2)
	_, err := io.ReadFull(conn, sizeBuf)
	require.NoError(t, err)

	payload := make([]byte, binary.BigEndian.Uint16(sizeBuf))
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(payload))
	return resp
}

func Test_TCP_roundtrip(t *testing.T) {
	l, err := CreateAndListen(tcpSettings(false), echoHandler{})
	require.NoError(t, err)
	defer func() { l.Shutdown(); l.WaitShutdown() }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writeTCPQuery(t, conn, queryBytes(t, "example.com.", 7))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp := readTCPResponse(t, conn)
	assert.Equal(t, uint16(7), resp.Id)

	// non-persistent: the server closes after the first response
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}

func Test_TCP_persistent_pipelining(t *testing.T) {
	l, err := CreateAndListen(tcpSettings(true), echoHandler{})
	require.NoError(t, err)
	defer func() { l.Shutdown(); l.WaitShutdown() }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writeTCPQuery(t, conn, queryBytes(t, "one.example.", 1))
	writeTCPQuery(t, conn, queryBytes(t, "two.example.", 2))
	writeTCPQuery(t, conn, queryBytes(t, "three.example.", 3))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	ids := map[uint16]bool{}
	for i := 0; i < 3; i++ {
		resp := readTCPResponse(t, conn)
		ids[resp.Id] = true
	}

	// responses arrive in completion order; all three must arrive
	assert.Len(t, ids, 3)
}

func Test_TCP_idle_timeout(t *testing.T) {
	settings := tcpSettings(true)
	settings.IdleTimeout = 200 * time.Millisecond

	l, err := CreateAndListen(settings, echoHandler{})
	require.NoError(t, err)
	defer func() { l.Shutdown(); l.WaitShutdown() }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err, "idle connection should be closed by the server")
}

func Test_TCP_dropped_message(t *testing.T) {
	l, err := CreateAndListen(tcpSettings(false), dropHandler{})
	require.NoError(t, err)
	defer func() { l.Shutdown(); l.WaitShutdown() }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writeTCPQuery(t, conn, queryBytes(t, "example.com.", 7))

	// no response, just a close
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}

func Test_Shutdown_idempotent(t *testing.T) {
	l, err := CreateAndListen(udpSettings(), echoHandler{})
	require.NoError(t, err)

	l.Shutdown()
	l.Shutdown()
	l.WaitShutdown()

	lt, err := CreateAndListen(tcpSettings(true), echoHandler{})
	require.NoError(t, err)

	lt.Shutdown()
	lt.Shutdown()
	lt.WaitShutdown()
}
