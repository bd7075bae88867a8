package server

import (
	"net"
	"sync"

	"github.com/semihalev/log"
)

// udpListener serves one datagram per logical request. Received
// payloads are handed to the worker pool; responses are written back to
// the peer unless the task was canceled by shutdown.
type udpListener struct {
	conn    net.PacketConn
	handler Handler
	acl     *accessControl
	limiter *rateLimiter
	pool    *workerPool

	mu      sync.Mutex
	pending map[*task]struct{}

	shutdownOnce sync.Once
	loopDone     chan struct{}
}

func listenUDP(settings Settings, handler Handler, acl *accessControl) (Listener, error) {
	var conn net.PacketConn
	var err error

	if settings.FD > 0 {
		file, ferr := adoptFile(settings)
		if ferr != nil {
			return nil, ferr
		}
		conn, err = net.FilePacketConn(file)
		_ = file.Close()
	} else {
		conn, err = net.ListenPacket("udp", bindAddr(settings))
	}
	if err != nil {
		return nil, err
	}

	l := &udpListener{
		conn:     conn,
		handler:  handler,
		acl:      acl,
		limiter:  newRateLimiter(settings.ClientRateLimit),
		pool:     sharedPool(),
		pending:  make(map[*task]struct{}),
		loopDone: make(chan struct{}),
	}

	logListening("udp", conn.LocalAddr())
	go l.run()

	return l, nil
}

func (l *udpListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *udpListener) run() {
	defer close(l.loopDone)

	buf := make([]byte, UDPRecvBufSize)

	for {
		n, peer, err := l.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		ip := peer.(*net.UDPAddr).IP
		if !l.acl.allowed(ip) {
			continue
		}
		if !l.limiter.allow(ip) {
			log.Debug("Client rate limited", "addr", ip.String())
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		t := &task{
			payload: payload,
			handler: l.handler,
		}
		t.respond = func(resp []byte) {
			if _, err := l.conn.WriteTo(resp, peer); err != nil {
				log.Debug("UDP response write failed", "addr", peer.String(), "error", err.Error())
			}
		}
		t.done = l.forget

		l.mu.Lock()
		l.pending[t] = struct{}{}
		l.mu.Unlock()

		l.pool.submit(t)
	}
}

func (l *udpListener) forget(t *task) {
	l.mu.Lock()
	delete(l.pending, t)
	l.mu.Unlock()
}

// Shutdown closes the socket and cancels queued work. Responses of tasks
// already executing are dropped.
func (l *udpListener) Shutdown() {
	l.shutdownOnce.Do(func() {
		_ = l.conn.Close()

		l.mu.Lock()
		for t := range l.pending {
			t.cancel()
		}
		l.mu.Unlock()
	})
}

func (l *udpListener) WaitShutdown() {
	<-l.loopDone
}
