package upstream

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, handler dns.HandlerFunc) (addr string, cleanup func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = server.ActivateAndServe() }()

	return pc.LocalAddr().String(), func() { _ = server.Shutdown() }
}

func Test_New_addresses(t *testing.T) {
	u, err := New(Options{Address: "127.0.0.1:5300"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5300", u.(*plain).addr)
	assert.Equal(t, "udp", u.(*plain).network)

	u, err = New(Options{Address: "tcp://127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:53", u.(*plain).addr)
	assert.Equal(t, "tcp", u.(*plain).network)

	u, err = New(Options{Address: "udp://[::1]:5353"})
	require.NoError(t, err)
	assert.Equal(t, "[::1]:5353", u.(*plain).addr)

	u, err = New(Options{Address: "dns.example.test:53", ServerIP: net.ParseIP("192.0.2.53")})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.53:53", u.(*plain).addr)
}

func Test_Exchange(t *testing.T) {
	addr, cleanup := startServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		rr, _ := dns.NewRR(req.Question[0].Name + " 300 IN A 192.0.2.10")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})
	defer cleanup()

	u, err := New(Options{Address: addr, Timeout: 2 * time.Second, ID: 3})
	require.NoError(t, err)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, err := u.Exchange(req)
	require.NoError(t, err)
	assert.Equal(t, req.Id, resp.Id)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.10", resp.Answer[0].(*dns.A).A.String())
	assert.Equal(t, int32(3), u.Options().ID)
}

func Test_Exchange_timeout(t *testing.T) {
	addr, cleanup := startServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		// never answer
	})
	defer cleanup()

	u, err := New(Options{Address: addr, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	_, err = u.Exchange(req)
	require.Error(t, err)
	assert.Equal(t, "TIMEOUT", err.Error())
}

func Test_AdjustRTT(t *testing.T) {
	u, err := New(Options{Address: "127.0.0.1:53"})
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), u.RTT())

	u.AdjustRTT(100 * time.Millisecond)
	u.AdjustRTT(200 * time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, u.RTT())

	// window keeps only the most recent samples
	for i := 0; i < rttWindow; i++ {
		u.AdjustRTT(50 * time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, u.RTT())
}
