// Package registry implements the central coordination process. It owns
// the authoritative membership and offerings table, answers register,
// offer, and deregister requests, and pushes the offerings view to every
// active peer with a bounded retransmit protocol.
package registry

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/erl-ang/bootleg-bittorrent/internal/wire"
)

type status string

const (
	statusActive  status = "active"
	statusOffline status = "offline"
)

var errNoAck = errors.New("no TABLE_ACK before deadline")

// record is one row of the membership table, keyed by the source address
// the registry observes on the peer's datagrams.
type record struct {
	name    string
	status  status
	host    string
	tcpPort int
	files   map[string]struct{}
}

// Server is the registry. All request processing happens on the single
// goroutine running Run; one inbound datagram is handled to completion,
// including every retry of the broadcasts it triggers, before the next
// read. The mutex only fences the table for snapshot readers.
type Server struct {
	conn *net.UDPConn
	buf  []byte

	mu    sync.Mutex
	table map[string]*record // source address -> record
}

// New binds the registry's UDP control port.
func New(port int) (*Server, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &Server{
		conn:  conn,
		buf:   make([]byte, wire.MaxDatagram),
		table: make(map[string]*record),
	}, nil
}

// Addr returns the bound control endpoint.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the control socket, unblocking Run.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Run reads and dispatches requests until the socket is closed.
func (s *Server) Run() error {
	for {
		env, src, err := wire.Receive(s.conn, s.buf, 0)
		if errors.Is(err, wire.ErrMalformed) {
			log.Printf("registry: dropping malformed datagram from %v: %v", src, err)
			continue
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.dispatch(env, src)
	}
}

func (s *Server) dispatch(env wire.Envelope, src *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Kind {
	case wire.KindRegister:
		s.handleRegister(env, src)
	case wire.KindOffer:
		s.handleOffer(env, src)
	case wire.KindDereg:
		s.handleDereg(env, src)
	default:
		// Late acks and stray traffic outside an exchange.
		log.Printf("registry: ignoring %s from %v", env.Kind, src)
	}
}

// handleRegister admits a peer unless its name collides with another
// active record. The welcome ack is fire-and-forget; the table push that
// follows is the acked exchange proving the peer is reachable.
func (s *Server) handleRegister(env wire.Envelope, src *net.UDPAddr) {
	for addr, r := range s.table {
		if r.status == statusActive && r.name == env.Name && addr != src.String() {
			log.Printf("registry: rejecting %q from %v: name taken", env.Name, src)
			s.send(src, wire.Envelope{Kind: wire.KindRegisterAck, Status: wire.StatusNameTaken})
			return
		}
	}

	s.table[src.String()] = &record{
		name:    env.Name,
		status:  statusActive,
		host:    src.IP.String(),
		tcpPort: env.TCPPort,
		files:   make(map[string]struct{}),
	}
	log.Printf("registry: registered %q at %v (tcp %d)", env.Name, src, env.TCPPort)
	s.send(src, wire.Envelope{Kind: wire.KindRegisterAck, Status: wire.StatusOK})

	// The newcomer gets the current view immediately; everyone else's
	// view is unchanged, so no broadcast.
	s.pushTable(src, s.view())
}

// handleOffer unions the offered filenames into the peer's record and
// broadcasts the recomputed view. Re-offering a filename is a no-op, so
// duplicate offers converge to the same state.
func (s *Server) handleOffer(env wire.Envelope, src *net.UDPAddr) {
	r, ok := s.table[src.String()]
	if !ok || r.status != statusActive {
		log.Printf("registry: dropping offer from unregistered %v", src)
		return
	}

	log.Printf("registry: offer of %d file(s) from %q", len(env.Files), r.name)
	s.send(src, wire.Envelope{Kind: wire.KindOfferAck})
	for _, f := range env.Files {
		r.files[f] = struct{}{}
	}
	s.broadcast()
}

// handleDereg flips the peer offline and clears its offerings. The record
// stays so the same source address may register again later.
func (s *Server) handleDereg(env wire.Envelope, src *net.UDPAddr) {
	r, ok := s.table[src.String()]
	if !ok || r.status != statusActive || r.name != env.Name {
		log.Printf("registry: rejecting dereg of %q from %v", env.Name, src)
		return
	}

	log.Printf("registry: deregistration request for %q received", r.name)
	s.send(src, wire.Envelope{Kind: wire.KindDeregAck})
	r.status = statusOffline
	r.files = make(map[string]struct{})
	s.broadcast()
}

// view recomputes the offerings view from the active records.
func (s *Server) view() wire.View {
	view := make(wire.View)
	for _, r := range s.table {
		if r.status != statusActive {
			continue
		}
		for f := range r.files {
			view[wire.ViewKey(f, r.name)] = wire.Endpoint{Host: r.host, TCPPort: r.tcpPort}
		}
	}
	return view
}

// broadcast pushes the current view to every peer that is active in the
// snapshot taken now. Pushes run sequentially; a peer that exhausts its
// retries is marked offline without triggering a recursive broadcast.
func (s *Server) broadcast() {
	view := s.view()
	var targets []*net.UDPAddr
	for addr, r := range s.table {
		if r.status != statusActive {
			continue
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			continue
		}
		targets = append(targets, udpAddr)
	}
	for _, t := range targets {
		s.pushTable(t, view)
	}
}

// pushTable runs the reliable push against one target: send TABLE, wait
// AckWait for TABLE_ACK from that source address, retransmit up to
// MaxRetries times. Exhaustion marks the target offline.
func (s *Server) pushTable(target *net.UDPAddr, view wire.View) {
	env := wire.Envelope{Kind: wire.KindTable, View: view}
	attempt := 0
	op := func() error {
		if attempt > 0 {
			log.Printf("Sending table again...")
		}
		attempt++
		if err := wire.Send(s.conn, target, env); err != nil {
			return backoff.Permanent(err)
		}
		return s.awaitTableAck(target)
	}
	// The 500 ms wait lives inside each attempt, so the retry policy
	// itself adds no delay between attempts.
	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, wire.MaxRetries))
	if err == nil {
		return
	}

	log.Printf("registry: no TABLE_ACK from %v, marking offline: %v", target, err)
	if r, ok := s.table[target.String()]; ok {
		r.status = statusOffline
		r.files = make(map[string]struct{})
	}
}

// awaitTableAck reads from the control socket until a TABLE_ACK arrives
// from target or the ack window closes. Datagrams from anyone else are
// dropped; the registry is busy with this exchange (a known limitation of
// the single-threaded design).
func (s *Server) awaitTableAck(target *net.UDPAddr) error {
	deadline := time.Now().Add(wire.AckWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errNoAck
		}
		env, src, err := wire.Receive(s.conn, s.buf, remaining)
		if wire.IsTimeout(err) {
			return errNoAck
		}
		if errors.Is(err, wire.ErrMalformed) {
			continue
		}
		if err != nil {
			return err
		}
		if env.Kind == wire.KindTableAck && src.String() == target.String() {
			return nil
		}
		log.Printf("registry: dropping %s from %v while awaiting ack from %v", env.Kind, src, target)
	}
}

func (s *Server) send(to *net.UDPAddr, env wire.Envelope) {
	if err := wire.Send(s.conn, to, env); err != nil {
		log.Printf("registry: send %s to %v: %v", env.Kind, to, err)
	}
}

// PeerState is a read-only snapshot of one membership record.
type PeerState struct {
	Name   string
	Active bool
	Files  []string
}

// Peers snapshots the membership table, keyed by source address.
func (s *Server) Peers() map[string]PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PeerState, len(s.table))
	for addr, r := range s.table {
		st := PeerState{Name: r.name, Active: r.status == statusActive}
		for f := range r.files {
			st.Files = append(st.Files, f)
		}
		out[addr] = st
	}
	return out
}
