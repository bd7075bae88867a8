package server

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/semihalev/log"
)

// tcpListener accepts stream connections carrying length-prefixed DNS
// messages (RFC 7766): a two-byte big-endian size followed by the
// payload. Responses are written back in worker-completion order.
type tcpListener struct {
	ln       net.Listener
	handler  Handler
	acl      *accessControl
	pool     *workerPool
	settings Settings

	mu    sync.Mutex
	conns map[*tcpConn]struct{}

	shutdownOnce sync.Once
	loopDone     chan struct{}
}

type tcpConn struct {
	conn net.Conn
	l    *tcpListener

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[*task]struct{}

	closeOnce sync.Once
}

func listenTCP(settings Settings, handler Handler, acl *accessControl) (Listener, error) {
	var ln net.Listener
	var err error

	if settings.FD > 0 {
		file, ferr := adoptFile(settings)
		if ferr != nil {
			return nil, ferr
		}
		ln, err = net.FileListener(file)
		_ = file.Close()
	} else {
		ln, err = net.Listen("tcp", bindAddr(settings))
	}
	if err != nil {
		return nil, err
	}

	l := &tcpListener{
		ln:       ln,
		handler:  handler,
		acl:      acl,
		pool:     sharedPool(),
		settings: settings,
		conns:    make(map[*tcpConn]struct{}),
		loopDone: make(chan struct{}),
	}

	logListening("tcp", ln.Addr())
	go l.run()

	return l, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tcpListener) run() {
	defer close(l.loopDone)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		ip := conn.RemoteAddr().(*net.TCPAddr).IP
		if !l.acl.allowed(ip) {
			_ = conn.Close()
			continue
		}

		c := &tcpConn{
			conn:    conn,
			l:       l,
			pending: make(map[*task]struct{}),
		}

		l.mu.Lock()
		l.conns[c] = struct{}{}
		l.mu.Unlock()

		go c.serve()
	}
}

// serve runs the per-connection read state machine: a two-byte size,
// then the payload, then dispatch. Each parsed payload refreshes the
// idle timer. Non-persistent connections stop reading after the first
// dispatch and close once its write completes.
func (c *tcpConn) serve() {
	defer c.l.forget(c)

	sizeBuf := make([]byte, 2)

	for {
		if err := c.conn.SetReadDeadline(nowPlus(c.l.settings.IdleTimeout)); err != nil {
			c.close()
			return
		}

		if _, err := io.ReadFull(c.conn, sizeBuf); err != nil {
			c.close()
			return
		}

		size := binary.BigEndian.Uint16(sizeBuf)
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.close()
			return
		}

		persistent := c.l.settings.Persistent

		t := &task{
			payload: payload,
			handler: c.l.handler,
		}
		t.respond = func(resp []byte) {
			c.write(resp)
		}

		if !persistent {
			finished := make(chan struct{})
			t.done = func(t *task) {
				c.drop(t)
				close(finished)
			}

			c.track(t)
			c.l.pool.submit(t)

			<-finished
			c.close()
			return
		}

		t.done = c.drop
		c.track(t)
		c.l.pool.submit(t)
	}
}

// write sends one length-prefixed response as a two-buffer scatter write.
func (c *tcpConn) write(resp []byte) {
	sizeBuf := []byte{byte(len(resp) >> 8), byte(len(resp))}
	buffers := net.Buffers{sizeBuf, resp}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := buffers.WriteTo(c.conn); err != nil {
		log.Debug("TCP response write failed", "addr", c.conn.RemoteAddr().String(), "error", err.Error())
		c.close()
	}
}

func (c *tcpConn) track(t *task) {
	c.mu.Lock()
	c.pending[t] = struct{}{}
	c.mu.Unlock()
}

func (c *tcpConn) drop(t *task) {
	c.mu.Lock()
	delete(c.pending, t)
	c.mu.Unlock()
}

// close closes the connection and cancels its queued work; responses
// from workers already running are discarded.
func (c *tcpConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()

		c.mu.Lock()
		for t := range c.pending {
			t.cancel()
		}
		c.mu.Unlock()
	})
}

func (l *tcpListener) forget(c *tcpConn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// Shutdown closes the listening socket and all live connections.
func (l *tcpListener) Shutdown() {
	l.shutdownOnce.Do(func() {
		_ = l.ln.Close()

		l.mu.Lock()
		conns := make([]*tcpConn, 0, len(l.conns))
		for c := range l.conns {
			conns = append(conns, c)
		}
		l.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
	})
}

func (l *tcpListener) WaitShutdown() {
	<-l.loopDone
}
