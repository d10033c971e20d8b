// Package server implements the UDP front end: it binds a SO_REUSEPORT
// socket on a configured address, and for each inbound packet spawns an
// independent goroutine that parses, resolves, and replies. No fixed
// worker pool, no buffer pooling, no rate limiting.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jroosing/resolvd/internal/dns"
	"github.com/jroosing/resolvd/internal/resolve"
)

// inboundBufferSize is the size of the fixed receive buffer allocated for
// each request from a client (spec's 512-byte ceiling).
const inboundBufferSize = 512

// Server is a single UDP listener dispatching to a shared resolver.
type Server struct {
	Resolver *resolve.Resolver
	Logger   *slog.Logger

	conn *net.UDPConn
}

// Listen binds a SO_REUSEPORT UDP socket at addr ("ip:port"). Multiple
// Servers may bind the same address from the same process; the kernel
// load-balances inbound packets across them.
func Listen(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("binding %s: unexpected listener type %T", addr, pc)
	}
	return conn, nil
}

// New wraps an already-bound UDP socket with a resolver to dispatch to.
func New(conn *net.UDPConn, resolver *resolve.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Resolver: resolver, Logger: logger, conn: conn}
}

// Serve loops forever, reading inbound packets and spawning one goroutine
// per request. It returns only when the underlying socket is closed.
func (s *Server) Serve() error {
	for {
		buf := make([]byte, inboundBufferSize)
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading from udp socket: %w", err)
		}

		go s.handle(buf[:n], src)
	}
}

// Close shuts down the listening socket, causing Serve to return.
func (s *Server) Close() error {
	return s.conn.Close()
}

// handle processes a single inbound datagram: parse, resolve, respond.
// A decode failure on the inbound request is logged and silently
// dropped — there is no valid id/question to build an error response from.
func (s *Server) handle(raw []byte, src *net.UDPAddr) {
	query, err := dns.ParseRequestBounded(raw)
	if err != nil {
		s.Logger.Warn("dropping malformed inbound packet", "src", src, "error", err)
		return
	}

	s.Logger.Debug("received query", "src", src, "id", query.Header.ID)

	resp, err := s.Resolver.ResolvePacket(query)
	if err != nil {
		s.Logger.Warn("resolve failed", "src", src, "id", query.Header.ID, "error", err)
		resp = dns.BuildErrorResponse(query, uint16(rcodeFor(err)))
	}

	wire, err := resp.Marshal()
	if err != nil {
		s.Logger.Error("encoding response failed", "src", src, "id", query.Header.ID, "error", err)
		return
	}

	if _, err := s.conn.WriteToUDP(wire, src); err != nil {
		s.Logger.Warn("sending response failed", "src", src, "id", query.Header.ID, "error", err)
	}
}

// rcodeFor maps a resolver error to the RCODE the client-facing response
// carries: NotImp for a recognized-but-unsupported RR type, ServFail for
// everything else.
func rcodeFor(err error) dns.RCode {
	if errors.Is(err, dns.ErrNotImplemented) {
		return dns.RCodeNotImp
	}
	return dns.RCodeServFail
}
