package peer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cenkalti/backoff"
	"github.com/olekukonko/tablewriter"

	"github.com/erl-ang/bootleg-bittorrent/internal/wire"
)

// SetDir binds the directory offered files are served from. The binding
// is unchanged when the path is not an existing directory.
func (p *Peer) SetDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(p.out, ">>> [setdir failed: %s does not exist.]\n", dir)
		return false
	}
	p.mu.Lock()
	p.dir = dir
	p.mu.Unlock()
	fmt.Fprintf(p.out, ">>> [Successfully set %s as the directory for searching offered files.]\n", dir)
	return true
}

// Offer announces filenames to the registry. Every name must exist inside
// the bound directory right now; existence is checked again at transfer
// time. The exchange follows the 500 ms / three-attempt rule, and
// exhausting it takes the peer offline.
func (p *Peer) Offer(files []string) {
	dir := p.Dir()
	for _, f := range files {
		info, err := os.Stat(filepath.Join(dir, f))
		if err != nil || info.IsDir() {
			fmt.Fprintf(p.out, ">>> [Offer failed: %s does not exist in %s.]\n", f, dir)
			return
		}
	}

	drain(p.offerAck)
	env := wire.Envelope{Kind: wire.KindOffer, Files: files}
	op := func() error {
		if err := wire.Send(p.conn, p.registryAddr, env); err != nil {
			return backoff.Permanent(err)
		}
		return p.awaitAck(p.offerAck)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, wire.MaxRetries)); err != nil {
		fmt.Fprintln(p.out, ">>> [Server not responding.]")
		p.setOffline()
		return
	}

	p.mu.Lock()
	for _, f := range files {
		p.offered[f] = struct{}{}
	}
	p.mu.Unlock()
	fmt.Fprintln(p.out, ">>> [Offer Message received by Server.]")
}

// List renders the local offerings cache. It never touches the network;
// the cache is whatever the registry last pushed.
func (p *Peer) List(w io.Writer) {
	view := p.View()
	if len(view) == 0 {
		fmt.Fprintln(w, ">>> [No files available for download at the moment.]")
		return
	}

	type row struct {
		file, owner string
		ep          wire.Endpoint
	}
	rows := make([]row, 0, len(view))
	for key, ep := range view {
		file, owner := wire.SplitViewKey(key)
		rows = append(rows, row{file: file, owner: owner, ep: ep})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].file != rows[j].file {
			return rows[i].file < rows[j].file
		}
		return rows[i].owner < rows[j].owner
	})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"FILENAME", "OWNER", "IP ADDRESS", "TCP PORT"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, r := range rows {
		table.Append([]string{r.file, r.owner, r.ep.Host, strconv.Itoa(r.ep.TCPPort)})
	}
	table.Render()
}

// Dereg announces that the peer is going offline. The name must match the
// peer's own registration. Whether the registry acks or the retries run
// dry, the stream acceptor stops and the peer stays up offline, serving
// only list.
func (p *Peer) Dereg(name string) {
	if name != p.name {
		fmt.Fprintln(p.out, ">>> [Deregister failed: name does not match.]")
		return
	}

	drain(p.deregAck)
	env := wire.Envelope{Kind: wire.KindDereg, Name: p.name}
	op := func() error {
		if err := wire.Send(p.conn, p.registryAddr, env); err != nil {
			return backoff.Permanent(err)
		}
		return p.awaitAck(p.deregAck)
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, wire.MaxRetries))

	p.listener.Close()
	p.setOffline()
	if err != nil {
		fmt.Fprintln(p.out, ">>> [Server not responding.]")
		return
	}
	fmt.Fprintln(p.out, ">>> [You are now Offline. Bye.]")
}
