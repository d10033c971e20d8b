// Package resolve implements the iterative DNS resolver: given a question,
// it walks the delegation chain from a root nameserver down to an
// authoritative answer, consulting a shared cache and blocklist along the
// way. It never issues a recursive query upstream (RD is always 0 on
// outbound queries) and never spawns background work of its own; every
// suspension point is a single upstream UDP exchange.
package resolve

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/jroosing/resolvd/internal/blocklist"
	"github.com/jroosing/resolvd/internal/cache"
	"github.com/jroosing/resolvd/internal/dns"
)

// ErrResolve is the sentinel for logical resolution failures: no question,
// no usable answer, an unexpected answer type, or max recursion depth
// exceeded.
var ErrResolve = errors.New("resolve error")

// ErrNetwork is the sentinel for any failed upstream exchange: socket
// bind/send/recv failures, and also failures to encode the query, decode
// the reply, or match its id. A dns.ErrDNSError cause stays in the chain.
var ErrNetwork = errors.New("network error")

const (
	// RootServerIP is a.root-servers.net (Verisign), the fixed seed
	// nameserver for iterative resolution.
	RootServerIP = "198.41.0.4"

	// DefaultMaxDepth bounds recursive glue-less NS resolution, per
	// spec's suggested value, to prevent adversarial or looping referrals.
	DefaultMaxDepth = 16

	// BlockedTTL is the TTL attached to the synthesized A=0.0.0.0 answer
	// returned for blocklisted domains.
	BlockedTTL = 43200

	// upstreamRecvBufferSize is the buffer used to read upstream
	// responses; larger than the 512-byte inbound ceiling because
	// upstream nameservers are not bound by the client-facing limit.
	upstreamRecvBufferSize = 1024

	// upstreamTimeout bounds a single upstream UDP exchange so a dead
	// or unreachable nameserver cannot wedge a resolution forever.
	upstreamTimeout = 5 * time.Second
)

// Resolver holds the state shared across all in-flight resolutions: the
// answer cache and the blocklist. Both are safe for concurrent use, so a
// single Resolver can be shared by every request-handling goroutine.
type Resolver struct {
	Cache      *cache.Cache
	Blocklist  *blocklist.Blocklist
	RootServer string
	MaxDepth   int
	Logger     *slog.Logger
}

// New returns a Resolver seeded from the given root nameserver IP, using
// the default recursion-depth bound.
func New(c *cache.Cache, bl *blocklist.Blocklist, rootServer string, logger *slog.Logger) *Resolver {
	if rootServer == "" {
		rootServer = RootServerIP
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Cache:      c,
		Blocklist:  bl,
		RootServer: rootServer,
		MaxDepth:   DefaultMaxDepth,
		Logger:     logger,
	}
}

// ResolvePacket is the center of the system: given a client query packet
// with exactly one question, it returns a fully formed response packet
// addressed back to that question, or a typed error.
func (r *Resolver) ResolvePacket(query dns.Packet) (dns.Packet, error) {
	return r.resolvePacketDepth(query, 0)
}

// Resolve builds a single-question query for name/qtype, resolves it, and
// returns the string-form value of the first matching answer record:
// dotted-quad for A, colon-form for AAAA, the target name for CNAME/NS/MX.
func (r *Resolver) Resolve(name string, qtype uint16) (string, error) {
	return r.resolveDepth(name, qtype, 0)
}

func (r *Resolver) resolveDepth(name string, qtype uint16, depth int) (string, error) {
	query := buildQuery(name, qtype)
	resp, err := r.resolvePacketDepth(query, depth)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answers {
		if rr.Type != qtype {
			continue
		}
		s, ok := formatRecordValue(rr)
		if !ok {
			continue
		}
		return s, nil
	}
	return "", fmt.Errorf("%w: no usable answer for %s %d", ErrResolve, name, qtype)
}

func (r *Resolver) resolvePacketDepth(query dns.Packet, depth int) (dns.Packet, error) {
	if len(query.Questions) != 1 {
		return dns.Packet{}, fmt.Errorf("%w: expected exactly one question, got %d", ErrResolve, len(query.Questions))
	}
	question := query.Questions[0]

	if r.Blocklist != nil && r.Blocklist.Contains(question.Name) {
		r.Logger.Debug("blocklist hit", "name", question.Name)
		blocked := dns.Record{
			Name:  question.Name,
			Type:  uint16(dns.TypeA),
			Class: uint16(dns.ClassIN),
			TTL:   BlockedTTL,
			Data:  []byte{0, 0, 0, 0},
		}
		return buildResponse(query, []dns.Record{blocked}), nil
	}

	currentNS := r.RootServer
	name := question.Name
	var answers []dns.Record

	for {
		q := cache.Question{Name: name, Type: question.Type, Class: question.Class}

		if rr, ok := r.Cache.Lookup(q); ok {
			r.Logger.Debug("cache hit", "name", name, "type", question.Type)
			answers = append(answers, rr)
			return buildResponse(query, answers), nil
		}

		r.Logger.Debug("querying nameserver", "ns", currentNS, "name", name, "type", question.Type)
		respPacket, err := sendQuery(currentNS, name, question.Type)
		if err != nil {
			return dns.Packet{}, fmt.Errorf("%w: querying %s for %s: %w", ErrNetwork, currentNS, name, err)
		}

		if err := r.Cache.CacheAnswers(respPacket.Answers); err != nil {
			return dns.Packet{}, fmt.Errorf("resolve: %w", err)
		}

		if rr, ok := usableAnswer(respPacket.Answers, question.Type); ok {
			switch dns.RecordType(rr.Type) {
			case dns.TypeA:
				answers = append(answers, rr)
				return buildResponse(query, answers), nil
			case dns.TypeAAAA:
				if question.Type == uint16(dns.TypeAAAA) {
					answers = append(answers, rr)
					return buildResponse(query, answers), nil
				}
			case dns.TypeMX:
				answers = append(answers, rr)
				return buildResponse(query, answers), nil
			case dns.TypeCNAME:
				target, ok := rr.Data.(string)
				if !ok {
					return dns.Packet{}, fmt.Errorf("%w: CNAME record with non-string data", ErrResolve)
				}
				answers = append(answers, rr)
				r.Logger.Debug("following CNAME", "name", name, "target", target)
				name = target
				continue
			default:
				return dns.Packet{}, fmt.Errorf("%w: unexpected answer type %d", ErrResolve, rr.Type)
			}
		}

		if ip, ok := glueAddress(respPacket.Authorities, respPacket.Additionals); ok {
			currentNS = ip
			continue
		}

		if nsDomain, ok := gluelessAuthority(respPacket.Authorities, respPacket.Additionals); ok {
			if depth+1 > r.MaxDepth {
				return dns.Packet{}, fmt.Errorf("%w: max recursion depth exceeded resolving %s", ErrResolve, nsDomain)
			}
			ip, err := r.resolveDepth(nsDomain, uint16(dns.TypeA), depth+1)
			if err != nil {
				return dns.Packet{}, err
			}
			r.Logger.Debug("glueless referral resolved", "ns_domain", nsDomain, "ip", ip)
			currentNS = ip
			continue
		}

		return dns.Packet{}, fmt.Errorf("%w: no usable answer or referral for %s", ErrResolve, name)
	}
}

// usableAnswer returns the first answer record whose type is one the
// triage step in ResolvePacket knows how to act on.
func usableAnswer(answers []dns.Record, qtype uint16) (dns.Record, bool) {
	for _, rr := range answers {
		switch dns.RecordType(rr.Type) {
		case dns.TypeA, dns.TypeCNAME, dns.TypeMX:
			return rr, true
		case dns.TypeAAAA:
			if qtype == uint16(dns.TypeAAAA) {
				return rr, true
			}
		}
	}
	return dns.Record{}, false
}

// glueAddress returns the IP of the first additional A record matching one
// of the NS authorities, i.e. a referral with glue.
func glueAddress(authorities, additionals []dns.Record) (string, bool) {
	nsNames := make(map[string]struct{})
	for _, rr := range authorities {
		if dns.RecordType(rr.Type) != dns.TypeNS {
			continue
		}
		if ns, ok := rr.Data.(string); ok {
			nsNames[dns.NormalizeName(ns)] = struct{}{}
		}
	}
	if len(nsNames) == 0 {
		return "", false
	}
	for _, rr := range additionals {
		if dns.RecordType(rr.Type) != dns.TypeA {
			continue
		}
		if _, ok := nsNames[dns.NormalizeName(rr.Name)]; !ok {
			continue
		}
		if ip, ok := rr.IPv4(); ok {
			return ip, true
		}
	}
	return "", false
}

// gluelessAuthority returns the domain name of the first NS authority that
// has no corresponding glue A record in additionals.
func gluelessAuthority(authorities, additionals []dns.Record) (string, bool) {
	glued := make(map[string]struct{})
	for _, rr := range additionals {
		if dns.RecordType(rr.Type) == dns.TypeA {
			glued[dns.NormalizeName(rr.Name)] = struct{}{}
		}
	}
	for _, rr := range authorities {
		if dns.RecordType(rr.Type) != dns.TypeNS {
			continue
		}
		ns, ok := rr.Data.(string)
		if !ok {
			continue
		}
		if _, hasGlue := glued[dns.NormalizeName(ns)]; hasGlue {
			continue
		}
		return ns, true
	}
	return "", false
}

// formatRecordValue renders a record's data in the textual form Resolve
// returns to its caller.
func formatRecordValue(rr dns.Record) (string, bool) {
	switch dns.RecordType(rr.Type) {
	case dns.TypeA:
		return rr.IPv4()
	case dns.TypeAAAA:
		return rr.IPv6()
	case dns.TypeCNAME, dns.TypeNS:
		s, ok := rr.Data.(string)
		return s, ok
	case dns.TypeMX:
		mx, ok := rr.Data.(dns.MXData)
		if !ok {
			return "", false
		}
		return mx.Exchange, true
	default:
		return "", false
	}
}

// buildQuery constructs a single-question outbound query. RD is always 0:
// this resolver never asks an upstream to recurse on its behalf.
func buildQuery(name string, qtype uint16) dns.Packet {
	return dns.Packet{
		Header: dns.Header{
			ID:      uint16(rand.IntN(1 << 16)),
			QDCount: 1,
		},
		Questions: []dns.Question{
			{Name: name, Type: qtype, Class: uint16(dns.ClassIN)},
		},
	}
}

// buildResponse assembles the final response packet: original header id
// and question, only the caller's declared RD preserved, plus the
// accumulated answers.
func buildResponse(query dns.Packet, answers []dns.Record) dns.Packet {
	return dns.Packet{
		Header: dns.Header{
			ID:      query.Header.ID,
			Flags:   dns.QRFlag | (query.Header.Flags & dns.RDFlag),
			QDCount: 1,
			ANCount: uint16(len(answers)),
		},
		Questions: query.Questions,
		Answers:   answers,
	}
}

// sendQuery performs a single-shot UDP exchange with ns: a fresh ephemeral
// socket, one outbound packet, one inbound packet. Sockets are acquired
// and released within this call; there is no connection pool.
func sendQuery(ns string, name string, qtype uint16) (dns.Packet, error) {
	query := buildQuery(name, qtype)
	wire, err := query.Marshal()
	if err != nil {
		return dns.Packet{}, fmt.Errorf("encoding query: %w", err)
	}

	conn, err := net.DialTimeout("udp", net.JoinHostPort(ns, "53"), upstreamTimeout)
	if err != nil {
		return dns.Packet{}, fmt.Errorf("dialing %s: %w", ns, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(upstreamTimeout)); err != nil {
		return dns.Packet{}, fmt.Errorf("setting deadline: %w", err)
	}

	if _, err := conn.Write(wire); err != nil {
		return dns.Packet{}, fmt.Errorf("sending query to %s: %w", ns, err)
	}

	buf := make([]byte, upstreamRecvBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return dns.Packet{}, fmt.Errorf("reading response from %s: %w", ns, err)
	}

	resp, err := dns.ParsePacket(buf[:n])
	if err != nil {
		return dns.Packet{}, fmt.Errorf("decoding response from %s: %w", ns, err)
	}
	if resp.Header.ID != query.Header.ID {
		return dns.Packet{}, fmt.Errorf("response id mismatch from %s", ns)
	}
	return resp, nil
}
