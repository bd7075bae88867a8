// Package server implements the DNS listeners: UDP datagram and TCP
// length-framed ingestion, both dispatching to a blocking worker pool so
// the I/O loops never stall on filtering or upstream work.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/semihalev/log"
)

// UDPRecvBufSize bounds a single datagram request.
const UDPRecvBufSize = 4096

// Handler processes one wire-format DNS message. A zero-length return
// means the message is dropped silently.
type Handler interface {
	HandleMessage(message []byte) []byte
}

// Settings configure one listener.
type Settings struct {
	// Address and Port form the bind address, ignored when FD is set.
	Address string
	Port    uint16
	// FD is a pre-bound descriptor to adopt, or zero/negative for none.
	// Unsupported on Windows.
	FD int

	// Protocol is "udp" or "tcp".
	Protocol string

	// Persistent keeps TCP connections open for pipelined requests.
	Persistent bool
	// IdleTimeout closes idle persistent TCP connections. Must be
	// positive for TCP listeners.
	IdleTimeout time.Duration

	// AccessList holds allowed client networks in CIDR form; empty
	// allows everyone.
	AccessList []string
	// ClientRateLimit caps UDP queries per second per client address;
	// zero means unlimited.
	ClientRateLimit int
}

// Listener is a running DNS listener.
type Listener interface {
	// Addr reports the actual bound address.
	Addr() net.Addr
	// Shutdown closes the listener and cancels queued work. Safe to
	// call from any goroutine, more than once.
	Shutdown()
	// WaitShutdown blocks until the listener's loop has exited.
	WaitShutdown()
}

// CreateAndListen binds a listener per settings and starts its loop on a
// dedicated goroutine. Partially-initialized sockets are rolled back on
// error.
func CreateAndListen(settings Settings, handler Handler) (Listener, error) {
	if handler == nil {
		return nil, errors.New("handler is not set")
	}

	acl, err := newAccessControl(settings.AccessList)
	if err != nil {
		return nil, err
	}

	switch settings.Protocol {
	case "udp":
		return listenUDP(settings, handler, acl)
	case "tcp":
		if settings.IdleTimeout <= 0 {
			return nil, errors.New("tcp idle timeout must be positive")
		}
		return listenTCP(settings, handler, acl)
	default:
		return nil, fmt.Errorf("unknown protocol: %s", settings.Protocol)
	}
}

func bindAddr(settings Settings) string {
	return net.JoinHostPort(settings.Address, strconv.Itoa(int(settings.Port)))
}

// adoptFile wraps a pre-bound descriptor for adoption.
func adoptFile(settings Settings) (*os.File, error) {
	if runtime.GOOS == "windows" {
		return nil, errors.New("descriptor adoption is unsupported on windows")
	}

	return os.NewFile(uintptr(settings.FD), "dns-listener"), nil
}

func logListening(proto string, addr net.Addr) {
	log.Info("DNS server listening...", "net", proto, "addr", addr.String())
}

func nowPlus(d time.Duration) time.Time {
	return time.Now().Add(d)
}
