// Package peer implements a file-sharing peer: the registration exchange,
// the demultiplexer that owns the datagram receive end, the command
// backend driven by the interactive shell, and the TCP transfer protocol
// spoken directly between peers.
package peer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/erl-ang/bootleg-bittorrent/internal/wire"
)

// Registration outcomes the caller must branch on.
var (
	ErrNameTaken  = errors.New("name already registered")
	ErrNoResponse = errors.New("server not responding")
)

var errAckTimeout = errors.New("no ack before deadline")

// Peer is one client process. The datagram socket is written from the
// command goroutine and the demultiplexer, but read only by whichever of
// the register loop or the demultiplexer is active; the view and the
// directory binding sit behind the mutex (demultiplexer writes the view,
// the command goroutine reads it).
type Peer struct {
	name         string
	registryAddr *net.UDPAddr

	conn     *net.UDPConn
	listener net.Listener

	mu      sync.RWMutex
	view    wire.View
	dir     string
	offered map[string]struct{}
	offline bool

	// Single-slot ack queues filled by the demultiplexer. A send into a
	// full slot is dropped; the 500 ms timer keeps the waiter live.
	offerAck chan struct{}
	deregAck chan struct{}

	out io.Writer
}

// New binds the peer's two endpoints. The TCP listener is bound before
// registration so the contact tuple the registry hands out is already
// reachable. Pass port 0 for either to let the kernel choose.
func New(name, registryHost string, registryPort, udpPort, tcpPort int, out io.Writer) (*Peer, error) {
	registryAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(registryHost, fmt.Sprint(registryPort)))
	if err != nil {
		return nil, fmt.Errorf("resolving registry address: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: udpPort})
	if err != nil {
		return nil, fmt.Errorf("binding udp port: %w", err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", tcpPort))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("binding tcp port: %w", err)
	}
	if out == nil {
		out = os.Stdout
	}
	return &Peer{
		name:         name,
		registryAddr: registryAddr,
		conn:         conn,
		listener:     listener,
		view:         make(wire.View),
		offered:      make(map[string]struct{}),
		offerAck:     make(chan struct{}, 1),
		deregAck:     make(chan struct{}, 1),
		out:          out,
	}, nil
}

// Name returns the peer's display name.
func (p *Peer) Name() string { return p.name }

// TCPPort returns the bound stream acceptor port.
func (p *Peer) TCPPort() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Offline reports whether the peer has left the network (deregistered or
// given up on the registry). Offline peers only serve the list command.
func (p *Peer) Offline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offline
}

// Dir returns the bound offer directory, or "" when unset.
func (p *Peer) Dir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dir
}

// View snapshots the local offerings cache.
func (p *Peer) View() wire.View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(wire.View, len(p.view))
	for k, v := range p.view {
		out[k] = v
	}
	return out
}

// Close releases both endpoints, stopping the demultiplexer and acceptor.
func (p *Peer) Close() {
	p.conn.Close()
	p.listener.Close()
}

// Register runs the initial exchange: send REGISTER, wait up to the ack
// window for REGISTER_ACK, three attempts total. A TABLE that overtakes
// the ack on the wire is applied and acked inline so the registry's push
// retries still converge. Returns ErrNameTaken or ErrNoResponse.
func (p *Peer) Register() error {
	env := wire.Envelope{Kind: wire.KindRegister, Name: p.name, TCPPort: p.TCPPort()}
	op := func() error {
		if err := wire.Send(p.conn, p.registryAddr, env); err != nil {
			return backoff.Permanent(err)
		}
		return p.awaitRegisterAck()
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, wire.MaxRetries))
	if err == nil || errors.Is(err, ErrNameTaken) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNoResponse, err)
}

func (p *Peer) awaitRegisterAck() error {
	buf := make([]byte, wire.MaxDatagram)
	deadline := time.Now().Add(wire.AckWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errAckTimeout
		}
		env, _, err := wire.Receive(p.conn, buf, remaining)
		if wire.IsTimeout(err) {
			return errAckTimeout
		}
		if errors.Is(err, wire.ErrMalformed) {
			continue
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		switch env.Kind {
		case wire.KindRegisterAck:
			if env.Status == wire.StatusNameTaken {
				return backoff.Permanent(ErrNameTaken)
			}
			return nil
		case wire.KindTable:
			p.applyView(env.View)
		default:
			// Stray traffic; keep waiting.
		}
	}
}

// Start launches the demultiplexer and the stream acceptor. Call after a
// successful Register.
func (p *Peer) Start() {
	go p.demuxLoop()
	go p.acceptLoop()
}

// demuxLoop owns the datagram receive end for the rest of the peer's
// life. It classifies each inbound datagram: table pushes update the
// cache, acks land in their single-slot queues, everything else is
// dropped. It blocks on nothing but the read.
func (p *Peer) demuxLoop() {
	buf := make([]byte, wire.MaxDatagram)
	for {
		env, src, err := wire.Receive(p.conn, buf, 0)
		if errors.Is(err, wire.ErrMalformed) {
			log.Printf("peer: dropping malformed datagram from %v: %v", src, err)
			continue
		}
		if err != nil {
			return
		}
		switch env.Kind {
		case wire.KindTable:
			p.applyView(env.View)
		case wire.KindOfferAck:
			select {
			case p.offerAck <- struct{}{}:
			default:
			}
		case wire.KindDeregAck:
			select {
			case p.deregAck <- struct{}{}:
			default:
			}
		default:
			// Late REGISTER_ACKs and stray traffic.
		}
	}
}

// applyView swaps in a freshly pushed offerings view. The swap happens
// before the ack is emitted, and the ack before the status line, so the
// update is visible by the time either is observable.
func (p *Peer) applyView(view wire.View) {
	if view == nil {
		view = make(wire.View)
	}
	p.mu.Lock()
	p.view = view
	p.mu.Unlock()
	if err := wire.Send(p.conn, p.registryAddr, wire.Envelope{Kind: wire.KindTableAck}); err != nil {
		log.Printf("peer: sending TABLE_ACK: %v", err)
	}
	fmt.Fprintln(p.out, ">>> [Client table updated.]")
}

// awaitAck waits one ack window on a queue the demultiplexer fills.
func (p *Peer) awaitAck(ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-time.After(wire.AckWait):
		return errAckTimeout
	}
}

// drain discards a stale ack left over from a previous exchange so it
// cannot satisfy the next command's wait.
func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func (p *Peer) setOffline() {
	p.mu.Lock()
	p.offline = true
	p.mu.Unlock()
}
