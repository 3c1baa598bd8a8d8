package peer

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/erl-ang/bootleg-bittorrent/internal/wire"
)

// offeringPeer is an owner peer with dir bound and files offered through
// the (auto-acking) fake registry.
func offeringPeer(t *testing.T, f *fakeRegistry, name string, files map[string][]byte) (*Peer, *syncBuffer) {
	t.Helper()
	var out syncBuffer
	p := startedPeer(t, f, name, &out)
	dir := t.TempDir()
	names := make([]string, 0, len(files))
	for fname, content := range files {
		if err := os.WriteFile(filepath.Join(dir, fname), content, 0o644); err != nil {
			t.Fatal(err)
		}
		names = append(names, fname)
	}
	p.SetDir(dir)
	p.Offer(names)
	if p.Offline() {
		t.Fatal("offer was not acked")
	}
	return p, &out
}

// chdirTemp is a t.Chdir shim for Go toolchains older than 1.24, which
// restores the previous working directory when the test completes.
func chdirTemp(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestTransferRoundTrip(t *testing.T) {
	f := newFakeRegistry(t, false)

	sizes := []int{1, 64 * 1024, 1536 * 1024} // spans one byte to beyond 1 MiB
	files := make(map[string][]byte, len(sizes))
	for i, n := range sizes {
		files[fmt.Sprintf("blob%d.bin", i)] = randomBytes(t, n)
	}

	owner, ownerOut := offeringPeer(t, f, "hana", files)

	var reqOut syncBuffer
	requester := startedPeer(t, f, "wren", &reqOut)

	view := make(wire.View, len(files))
	for fname := range files {
		view[wire.ViewKey(fname, "hana")] = wire.Endpoint{Host: "127.0.0.1", TCPPort: owner.TCPPort()}
	}
	f.pushTable("wren", view)
	f.expectTableAck()
	if !waitUntil(t, 2*time.Second, func() bool { return len(requester.View()) == len(files) }) {
		t.Fatal("requester cache never updated")
	}

	chdirTemp(t, t.TempDir())
	for fname, want := range files {
		requester.Request(fname, "hana")

		got, err := os.ReadFile(fname)
		if err != nil {
			t.Fatalf("downloaded file missing: %v\nrequester output:\n%s", err, reqOut.String())
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s: downloaded %d bytes differ from source (%d bytes)", fname, len(got), len(want))
		}
		for _, line := range []string{
			"< Connection with client hana established. >",
			fmt.Sprintf("< Downloading %s... >", fname),
			fmt.Sprintf("< %s downloaded successfully! >", fname),
			"< Connection with client hana closed. >",
		} {
			if !strings.Contains(reqOut.String(), line) {
				t.Fatalf("requester output missing %q:\n%s", line, reqOut.String())
			}
		}
		// The owner's lines are printed by the acceptor goroutine and may
		// trail the requester's return slightly.
		for _, line := range []string{
			fmt.Sprintf("< Transferring %s... >", fname),
			fmt.Sprintf("< %s transferred successfully! >", fname),
		} {
			if !waitUntil(t, 2*time.Second, func() bool { return strings.Contains(ownerOut.String(), line) }) {
				t.Fatalf("owner output missing %q:\n%s", line, ownerOut.String())
			}
		}
	}
}

func TestTransferRejectsUnknownFile(t *testing.T) {
	f := newFakeRegistry(t, false)
	owner, _ := offeringPeer(t, f, "hana", map[string][]byte{"1.txt": []byte("hello")})

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", owner.TCPPort()), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := fmt.Fprintf(conn, "not-offered.txt\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	var size uint64
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := binary.Read(conn, binary.BigEndian, &size); err != nil {
		t.Fatalf("reading prefix: %v", err)
	}
	if size != 0 {
		t.Fatalf("prefix = %d, want 0 for a rejected request", size)
	}
}

func TestTransferRejectsFileRemovedAfterOffer(t *testing.T) {
	f := newFakeRegistry(t, false)
	owner, _ := offeringPeer(t, f, "hana", map[string][]byte{"gone.txt": []byte("soon gone")})

	// The offer succeeded, but by transfer time the file is gone.
	if err := os.Remove(filepath.Join(owner.Dir(), "gone.txt")); err != nil {
		t.Fatal(err)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", owner.TCPPort()), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "gone.txt\n")

	var size uint64
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := binary.Read(conn, binary.BigEndian, &size); err != nil {
		t.Fatalf("reading prefix: %v", err)
	}
	if size != 0 {
		t.Fatalf("prefix = %d, want 0 when the file no longer exists", size)
	}
}

func TestRequesterTreatsZeroPrefixAsRejection(t *testing.T) {
	f := newFakeRegistry(t, false)

	// A bare listener standing in for the owner answers every request
	// with a zero prefix.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b := make([]byte, 1)
		for {
			if _, err := conn.Read(b); err != nil || b[0] == '\n' {
				break
			}
		}
		binary.Write(conn, binary.BigEndian, uint64(0))
	}()

	var out syncBuffer
	p := startedPeer(t, f, "wren", &out)
	f.pushTable("wren", wire.View{
		wire.ViewKey("x.txt", "hana"): {Host: "127.0.0.1", TCPPort: l.Addr().(*net.TCPAddr).Port},
	})
	f.expectTableAck()
	waitUntil(t, 2*time.Second, func() bool { return len(p.View()) == 1 })

	chdirTemp(t, t.TempDir())
	p.Request("x.txt", "hana")
	if !strings.Contains(out.String(), "< Invalid Request >") {
		t.Fatalf("got %q", out.String())
	}
	if _, err := os.Stat("x.txt"); err == nil {
		t.Fatal("rejected request still created a file")
	}
}
