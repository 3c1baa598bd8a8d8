package peer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/erl-ang/bootleg-bittorrent/internal/wire"
)

// A transfer stream carries exactly one exchange: the requester writes the
// filename terminated by a newline, the owner answers with an 8-byte
// big-endian length prefix followed by the file bytes. A zero prefix is a
// rejection.

// acceptLoop serves inbound file requests sequentially, one connection at
// a time. It runs until the listener is closed.
func (p *Peer) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.serveTransfer(conn)
	}
}

// serveTransfer runs the owner side of one transfer session.
func (p *Peer) serveTransfer(conn net.Conn) {
	defer conn.Close()

	session := uuid.New().String()
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	log.Printf("transfer %s: accepted connection from %s", session, conn.RemoteAddr())
	fmt.Fprintf(p.out, "< Accepting connection request from %s. >\n", host)

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Printf("transfer %s: reading request: %v", session, err)
		return
	}
	name := strings.TrimSpace(line)

	p.mu.RLock()
	_, offered := p.offered[name]
	dir := p.dir
	p.mu.RUnlock()

	// Existence is re-checked now, not at offer time; the file may have
	// been removed since it was offered.
	path := filepath.Join(dir, name)
	info, statErr := os.Stat(path)
	if !offered || statErr != nil || info.IsDir() {
		log.Printf("transfer %s: rejecting request for %q", session, name)
		binary.Write(conn, binary.BigEndian, uint64(0))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Printf("transfer %s: opening %s: %v", session, path, err)
		binary.Write(conn, binary.BigEndian, uint64(0))
		return
	}
	defer f.Close()

	fmt.Fprintf(p.out, "< Transferring %s... >\n", name)
	if err := binary.Write(conn, binary.BigEndian, uint64(info.Size())); err != nil {
		fmt.Fprintf(p.out, "< Transfer failed: %v >\n", err)
		return
	}
	if _, err := io.Copy(conn, f); err != nil {
		fmt.Fprintf(p.out, "< Transfer failed: %v >\n", err)
		return
	}
	fmt.Fprintf(p.out, "< %s transferred successfully! >\n", name)
	fmt.Fprintf(p.out, "< Connection with client %s closed. >\n", host)
}

// Request runs the requester side: look the owner up in the local cache,
// open a stream to its TCP endpoint, and download the file into the
// current working directory.
func (p *Peer) Request(filename, owner string) {
	key := wire.ViewKey(filename, owner)
	p.mu.RLock()
	ep, ok := p.view[key]
	p.mu.RUnlock()

	// Requesting one's own offering is as invalid as an unknown one.
	if !ok || owner == p.name {
		fmt.Fprintln(p.out, "< Invalid Request >")
		return
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.TCPPort)))
	if err != nil {
		fmt.Fprintf(p.out, "< Connection to client %s failed: %v >\n", owner, err)
		return
	}
	defer conn.Close()
	fmt.Fprintf(p.out, "< Connection with client %s established. >\n", owner)

	if _, err := fmt.Fprintf(conn, "%s\n", filename); err != nil {
		fmt.Fprintf(p.out, "< Transfer failed: %v >\n", err)
		return
	}

	var size uint64
	if err := binary.Read(conn, binary.BigEndian, &size); err != nil {
		fmt.Fprintf(p.out, "< Transfer failed: %v >\n", err)
		return
	}
	if size == 0 {
		// The owner no longer serves this file.
		fmt.Fprintln(p.out, "< Invalid Request >")
		return
	}

	fmt.Fprintf(p.out, "< Downloading %s... >\n", filename)
	out, err := os.Create(filename)
	if err != nil {
		fmt.Fprintf(p.out, "< Transfer failed: %v >\n", err)
		return
	}
	_, copyErr := io.CopyN(out, conn, int64(size))
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		fmt.Fprintf(p.out, "< Transfer failed: %v >\n", err)
		return
	}
	fmt.Fprintf(p.out, "< %s downloaded successfully! >\n", filename)
	fmt.Fprintf(p.out, "< Connection with client %s closed. >\n", owner)
}
