package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeReq(name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.Id = 42
	return req
}

func makeResp(req *dns.Msg, ttl uint32) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)

	rr, _ := dns.NewRR(fmt.Sprintf("%s %d IN A 192.0.2.1", req.Question[0].Name, ttl))
	resp.Answer = append(resp.Answer, rr)

	return resp
}

func Test_Key(t *testing.T) {
	req := makeReq("Example.COM.", dns.TypeA)

	assert.Equal(t, "1|1|00|example.com.", Key(req))

	req.CheckingDisabled = true
	req.SetEdns0(512, true)
	assert.Equal(t, "1|1|11|example.com.", Key(req))

	root := makeReq(".", dns.TypeNS)
	assert.Equal(t, "2|1|00|.", Key(root))
}

func Test_Key_stable(t *testing.T) {
	req := makeReq("example.com.", dns.TypeAAAA)
	key := Key(req)

	data, err := req.Pack()
	require.NoError(t, err)

	parsed := new(dns.Msg)
	require.NoError(t, parsed.Unpack(data))
	parsed.Id = 9999

	assert.Equal(t, key, Key(parsed))
}

func Test_Cache_lookup(t *testing.T) {
	clock := clockwork.NewFakeClock()

	c := New(16)
	c.now = clock.Now

	req := makeReq("example.com.", dns.TypeA)
	key := Key(req)

	_, _, _, found := c.Lookup(key, req)
	assert.False(t, found)

	stored := c.Store(key, makeResp(req, 300), 7)
	require.True(t, stored)

	req2 := makeReq("example.com.", dns.TypeA)
	req2.Id = 1234

	resp, upstreamID, expired, found := c.Lookup(key, req2)
	require.True(t, found)
	assert.False(t, expired)
	assert.Equal(t, int32(7), upstreamID)
	assert.Equal(t, uint16(1234), resp.Id)
	assert.Len(t, resp.Question, 1)
	assert.False(t, resp.Authoritative)
	assert.Equal(t, uint32(300), resp.Answer[0].Header().Ttl)
}

func Test_Cache_ttl_countdown(t *testing.T) {
	clock := clockwork.NewFakeClock()

	c := New(16)
	c.now = clock.Now

	req := makeReq("example.com.", dns.TypeA)
	key := Key(req)
	c.Store(key, makeResp(req, 300), 0)

	clock.Advance(120*time.Second + 500*time.Millisecond)

	resp, _, expired, found := c.Lookup(key, req)
	require.True(t, found)
	assert.False(t, expired)
	// remaining 179.5s rounds up
	assert.Equal(t, uint32(180), resp.Answer[0].Header().Ttl)
}

func Test_Cache_expired(t *testing.T) {
	clock := clockwork.NewFakeClock()

	c := New(16)
	c.now = clock.Now

	req := makeReq("example.com.", dns.TypeA)
	key := Key(req)
	c.Store(key, makeResp(req, 30), 0)

	clock.Advance(31 * time.Second)

	resp, _, expired, found := c.Lookup(key, req)
	require.True(t, found)
	assert.True(t, expired)
	assert.Equal(t, uint32(1), resp.Answer[0].Header().Ttl)
}

func Test_Cache_store_checklist(t *testing.T) {
	c := New(16)

	req := makeReq("example.com.", dns.TypeA)
	key := Key(req)

	truncated := makeResp(req, 300)
	truncated.Truncated = true
	assert.False(t, c.Store(key, truncated, 0))

	servfail := makeResp(req, 300)
	servfail.Rcode = dns.RcodeServerFailure
	assert.False(t, c.Store(key, servfail, 0))

	noQuestion := makeResp(req, 300)
	noQuestion.Question = nil
	assert.False(t, c.Store(key, noQuestion, 0))

	// A question without an A answer
	cnameOnly := new(dns.Msg)
	cnameOnly.SetReply(req)
	rr, _ := dns.NewRR("example.com. 300 IN CNAME alias.example.com.")
	cnameOnly.Answer = append(cnameOnly.Answer, rr)
	assert.False(t, c.Store(key, cnameOnly, 0))

	zeroTTL := makeResp(req, 0)
	assert.False(t, c.Store(key, zeroTTL, 0))

	ednsData := makeResp(req, 300)
	ednsData.SetEdns0(4096, false)
	opt := ednsData.IsEdns0()
	opt.Option = append(opt.Option, &dns.EDNS0_NSID{Code: dns.EDNS0NSID})
	assert.False(t, c.Store(key, ednsData, 0))

	assert.Equal(t, 0, c.Len())
	assert.True(t, c.Store(key, makeResp(req, 300), 0))
	assert.Equal(t, 1, c.Len())
}

func Test_Cache_lru_eviction(t *testing.T) {
	c := New(2)

	for i := 0; i < 3; i++ {
		req := makeReq(fmt.Sprintf("host%d.example.com.", i), dns.TypeA)
		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, _ := dns.NewRR(req.Question[0].Name + " 300 IN A 192.0.2.1")
		resp.Answer = append(resp.Answer, rr)
		c.Store(Key(req), resp, 0)
	}

	assert.Equal(t, 2, c.Len())

	// host0 was least recently used
	req0 := makeReq("host0.example.com.", dns.TypeA)
	_, _, _, found := c.Lookup(Key(req0), req0)
	assert.False(t, found)

	req2 := makeReq("host2.example.com.", dns.TypeA)
	_, _, _, found = c.Lookup(Key(req2), req2)
	assert.True(t, found)
}

func Test_Cache_expired_promoted_to_mru(t *testing.T) {
	clock := clockwork.NewFakeClock()

	c := New(2)
	c.now = clock.Now

	reqA := makeReq("a.example.com.", dns.TypeA)
	reqB := makeReq("b.example.com.", dns.TypeA)

	respA := new(dns.Msg)
	respA.SetReply(reqA)
	rr, _ := dns.NewRR("a.example.com. 30 IN A 192.0.2.1")
	respA.Answer = append(respA.Answer, rr)
	c.Store(Key(reqA), respA, 0)

	respB := new(dns.Msg)
	respB.SetReply(reqB)
	rr, _ = dns.NewRR("b.example.com. 300 IN A 192.0.2.2")
	respB.Answer = append(respB.Answer, rr)
	c.Store(Key(reqB), respB, 0)

	clock.Advance(60 * time.Second)

	// expired lookup moves a. to the front
	_, _, expired, found := c.Lookup(Key(reqA), reqA)
	require.True(t, found)
	require.True(t, expired)

	// inserting a third entry now evicts b., not a.
	reqC := makeReq("c.example.com.", dns.TypeA)
	respC := new(dns.Msg)
	respC.SetReply(reqC)
	rr, _ = dns.NewRR("c.example.com. 300 IN A 192.0.2.3")
	respC.Answer = append(respC.Answer, rr)
	c.Store(Key(reqC), respC, 0)

	_, _, _, found = c.Lookup(Key(reqA), reqA)
	assert.True(t, found)

	_, _, _, found = c.Lookup(Key(reqB), reqB)
	assert.False(t, found)
}

func Test_Cache_disabled(t *testing.T) {
	c := New(0)

	req := makeReq("example.com.", dns.TypeA)
	key := Key(req)

	assert.False(t, c.Store(key, makeResp(req, 300), 0))

	_, _, _, found := c.Lookup(key, req)
	assert.False(t, found)
}

func Test_Cache_set_capacity(t *testing.T) {
	c := New(16)

	req := makeReq("example.com.", dns.TypeA)
	c.Store(Key(req), makeResp(req, 300), 0)

	c.SetCapacity(0)
	assert.Equal(t, 0, c.Len())

	_, _, _, found := c.Lookup(Key(req), req)
	assert.False(t, found)
}

func Test_Cache_erase_clear(t *testing.T) {
	c := New(16)

	req := makeReq("example.com.", dns.TypeA)
	key := Key(req)
	c.Store(key, makeResp(req, 300), 0)

	c.Erase(key)
	assert.Equal(t, 0, c.Len())

	c.Store(key, makeResp(req, 300), 0)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
