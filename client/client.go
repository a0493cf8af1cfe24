// Package client implements the client-side session engine: the
// two-cursor directory merge that walks a local subtree in lockstep
// with the server's listings and converges the local tree to match
// (spec §4.6, §8).
//
// Grounded on rclone's fs/march two-cursor merge design (SrcOnly/
// DstOnly/Match callbacks over two sorted cursors), generalized from
// "source Fs / destination Fs" to "local direntry.Listing / remote
// listing fetched over protocol.Conn".
package client

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/frankeskens/rdist/caps"
	"github.com/frankeskens/rdist/direntry"
	"github.com/frankeskens/rdist/install"
	"github.com/frankeskens/rdist/protocol"
)

// constName is the reserved local filename that may never be
// modified, removed, or replaced (spec §6, §7).
const constName = "!const"

// ErrConst is returned when the merge would modify, remove, or
// replace the !const entry; it is always fatal to the session.
var ErrConst = errors.New("client: !const entry is immutable")

// MergeReport is one per-item outcome recorded during a merge, for
// -q-aware logging and for tests to assert against (mirroring
// fs/march's test accumulator style).
type MergeReport struct {
	Path    string
	Outcome string
	Reason  string
}

// Client drives one client-side session against a connected server.
type Client struct {
	Conn *protocol.Conn

	Local, Remote, Global caps.Vector

	// Erase removes client-only entries and allows type-mismatch
	// replacement (spec §6 -E).
	Erase bool
	// Older allows replacing a file even when the server's copy is
	// older than the client's (spec §6 -O).
	Older bool
	// Unsafe skips the CWD verification step (spec §6 -U).
	Unsafe bool
	// Verify requests checksums be computed during local scans and
	// compared during resolve (spec §6 -V).
	Verify bool
	// Quiet suppresses per-item logging; reports are still recorded.
	Quiet bool

	// Buffer is the session's shared transfer buffer, lazily sized to
	// protocol.MaxTransfer (spec §5).
	Buffer []byte

	Reports []MergeReport
}

// Run implements the top-level session: capability exchange, optional
// CWD verification, the root directory walk, and the final session
// QUIT.
func (c *Client) Run(ctx context.Context, root string) error {
	local := caps.Local(caps.LocalOptions{Checksum: c.Verify})
	remote, global, err := caps.Exchange(c.Conn, local)
	if err != nil {
		return err
	}
	c.Local, c.Remote, c.Global = local, remote, global

	if !c.Unsafe {
		if err := caps.VerifyCWD(c.Conn, root, remote); err != nil {
			return err
		}
	}

	if err := c.Walk(ctx, root); err != nil {
		return err
	}
	return c.quit()
}

// Walk builds the local listing for root, descends into the matching
// remote directory, and merges the two (spec §4.6 paragraph 1).
func (c *Client) Walk(ctx context.Context, root string) error {
	localListing, err := direntry.Scan(root, c.scanOptions())
	if err != nil {
		return err
	}

	if err := c.Conn.WriteOpcode(protocol.OpGoto); err != nil {
		return err
	}
	if err := c.Conn.WriteString("."); err != nil {
		return err
	}
	if err := c.Conn.Flush(); err != nil {
		return err
	}
	resp, err := c.Conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp != protocol.Accept {
		return errors.New("client: server refused root directory")
	}

	serverListing, err := direntry.ReadListing(c.Conn, root, c.Global.CaseSensitive())
	if err != nil {
		return err
	}

	if err := c.merge(ctx, root, localListing, serverListing); err != nil {
		return err
	}

	if err := c.Conn.WriteOpcode(protocol.OpQuit); err != nil {
		return err
	}
	resp, err = c.Conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp != protocol.Accept {
		return errors.New("client: server refused root QUIT")
	}
	return nil
}

func (c *Client) quit() error {
	if err := c.Conn.WriteOpcode(protocol.OpQuit); err != nil {
		return err
	}
	resp, err := c.Conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp != protocol.Accept {
		return errors.New("client: server refused session QUIT")
	}
	return nil
}

// merge implements the two-cursor directory-merge table of spec §4.6:
// exhaustion, comparator dispatch, and the ambiguous case-fold peek.
func (c *Client) merge(ctx context.Context, dirPath string, clientListing, serverListing *direntry.Listing) error {
	i, j := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if j < len(serverListing.Entries) && c.ambiguousSibling(serverListing, j) {
			c.report(dirPath, serverListing.Entries[j].Name, "skipped", "ambiguous")
			j++
			continue
		}

		cExhausted := i >= len(clientListing.Entries)
		sExhausted := j >= len(serverListing.Entries)

		switch {
		case cExhausted && sExhausted:
			return nil

		case cExhausted:
			if err := c.installEntry(ctx, dirPath, serverListing.Entries[j]); err != nil {
				return err
			}
			j++

		case sExhausted:
			if err := c.removeEntry(dirPath, clientListing.Entries[i]); err != nil {
				return err
			}
			i++

		default:
			cmp := direntry.CompareNames(clientListing.Entries[i].Name, serverListing.Entries[j].Name, c.Global.CaseSensitive())
			switch {
			case cmp < 0:
				if err := c.removeEntry(dirPath, clientListing.Entries[i]); err != nil {
					return err
				}
				i++
			case cmp > 0:
				if err := c.installEntry(ctx, dirPath, serverListing.Entries[j]); err != nil {
					return err
				}
				j++
			default:
				if err := c.resolve(ctx, dirPath, clientListing.Entries[i], serverListing.Entries[j]); err != nil {
					return err
				}
				i++
				j++
			}
		}
	}
}

// ambiguousSibling implements the ambiguous case-fold detection of
// spec §4.6: active only when the two sides' individual case bits
// disagree (so the global AND'd bit is case-insensitive), it reports
// the first of a fold-equal pair and lets the second proceed normally.
func (c *Client) ambiguousSibling(serverListing *direntry.Listing, j int) bool {
	if c.Global.CaseSensitive() {
		return false
	}
	if c.Local.CaseSensitive() == c.Remote.CaseSensitive() {
		return false
	}
	return serverListing.FoldEquals(j+1, serverListing.Entries[j].Name)
}

// removeEntry implements the S-exhausted / cmp<0 "Remove C" action: a
// no-op report unless -E is set.
func (c *Client) removeEntry(dirPath string, entry *direntry.Entry) error {
	if entry.Type == direntry.TypeUnknown {
		c.report(dirPath, entry.Name, "ignored", "")
		return nil
	}
	if !c.Erase {
		c.report(dirPath, entry.Name, "kept", "not present on server")
		return nil
	}
	if isConst(entry.Name) {
		return ErrConst
	}
	outcome, err := install.Remove(dirPath, entry)
	if err != nil {
		return err
	}
	category, reason := splitOutcome(outcome)
	c.report(dirPath, entry.Name, category, reason)
	return nil
}

// installEntry implements the "Install S" action for a server-only
// entry: it creates the corresponding local object, recursing into a
// new Directory's children.
func (c *Client) installEntry(ctx context.Context, dirPath string, entry *direntry.Entry) error {
	switch entry.Type {
	case direntry.TypeDirectory:
		outcome, err := install.InstallDirectory(dirPath, entry)
		if err != nil {
			return err
		}
		category, reason := splitOutcome(outcome)
		c.report(dirPath, entry.Name, category, reason)
		if category != "installed" {
			return nil
		}
		if err := c.descend(ctx, dirPath, entry.Name); err != nil {
			return err
		}
		c.applyAttrs(dirPath, entry)
		return nil

	case direntry.TypeSymlink:
		outcome, err := install.InstallSymlink(dirPath, entry)
		if err != nil {
			return err
		}
		category, reason := splitOutcome(outcome)
		c.report(dirPath, entry.Name, category, reason)
		return nil

	case direntry.TypeFifo:
		outcome, err := install.InstallFifo(dirPath, entry)
		if err != nil {
			return err
		}
		category, reason := splitOutcome(outcome)
		c.report(dirPath, entry.Name, category, reason)
		return nil

	case direntry.TypeRegular:
		outcome, err := install.InstallFile(c.Conn, dirPath, entry, c.buffer())
		if err != nil {
			return err
		}
		category, reason := splitOutcome(outcome)
		c.report(dirPath, entry.Name, category, reason)
		return nil

	default:
		c.report(dirPath, entry.Name, "ignored", "")
		return nil
	}
}

// resolve implements spec §4.6's Resolve table for a name present on
// both sides.
func (c *Client) resolve(ctx context.Context, dirPath string, clientEntry, serverEntry *direntry.Entry) error {
	if clientEntry.Type == direntry.TypeUnknown || serverEntry.Type == direntry.TypeUnknown {
		c.report(dirPath, clientEntry.Name, "ignored", "")
		return nil
	}

	nameCaseDiffers := clientEntry.Name != serverEntry.Name
	if clientEntry.Type != serverEntry.Type || nameCaseDiffers {
		return c.replaceEntry(ctx, dirPath, clientEntry, serverEntry)
	}

	switch clientEntry.Type {
	case direntry.TypeDirectory:
		return c.resolveDirectory(ctx, dirPath, clientEntry, serverEntry)
	case direntry.TypeSymlink:
		return c.resolveSymlink(dirPath, clientEntry, serverEntry)
	case direntry.TypeFifo:
		return c.resolveFifo(dirPath, clientEntry, serverEntry)
	case direntry.TypeRegular:
		return c.resolveRegular(dirPath, clientEntry, serverEntry)
	default:
		c.report(dirPath, clientEntry.Name, "ignored", "")
		return nil
	}
}

// replaceEntry implements "Types differ, or names differ only in
// case": remove-then-install gated by -E, else kept-with-message.
func (c *Client) replaceEntry(ctx context.Context, dirPath string, clientEntry, serverEntry *direntry.Entry) error {
	if !c.Erase {
		c.report(dirPath, clientEntry.Name, "kept", "type differs")
		return nil
	}
	if isConst(clientEntry.Name) {
		return ErrConst
	}
	if _, err := install.Remove(dirPath, clientEntry); err != nil {
		return err
	}
	return c.installEntry(ctx, dirPath, serverEntry)
}

// resolveDirectory implements "Both Directory: compare info; if
// different, update attributes only. Then recurse."
func (c *Client) resolveDirectory(ctx context.Context, dirPath string, clientEntry, serverEntry *direntry.Entry) error {
	maskToWindows := c.Global.OSFamily() == caps.OSMixed &&
		(c.Local.OSFamily() == caps.OSWindows || c.Remote.OSFamily() == caps.OSWindows)
	cInfo := maskDirInfo(clientEntry.Info, maskToWindows)
	sInfo := maskDirInfo(serverEntry.Info, maskToWindows)
	if cInfo != sInfo {
		if isConst(clientEntry.Name) {
			return ErrConst
		}
		synthetic := &direntry.Entry{Name: clientEntry.Name, Info: sInfo, MTime: serverEntry.MTime}
		if c.applyAttrs(dirPath, synthetic) {
			c.report(dirPath, clientEntry.Name, "updated", "attributes")
		}
	}
	return c.descend(ctx, dirPath, clientEntry.Name)
}

// resolveSymlink implements "Both Symlink: if link_target differs,
// remove+install. Attributes are not updated on symlinks."
func (c *Client) resolveSymlink(dirPath string, clientEntry, serverEntry *direntry.Entry) error {
	if clientEntry.LinkTarget == serverEntry.LinkTarget {
		c.report(dirPath, clientEntry.Name, "kept", "unchanged")
		return nil
	}
	if isConst(clientEntry.Name) {
		return ErrConst
	}
	if _, err := install.Remove(dirPath, clientEntry); err != nil {
		return err
	}
	outcome, err := install.InstallSymlink(dirPath, serverEntry)
	if err != nil {
		return err
	}
	if category, reason := splitOutcome(outcome); category != "installed" {
		c.report(dirPath, clientEntry.Name, category, reason)
	} else {
		c.report(dirPath, clientEntry.Name, "updated", "target differs")
	}
	return nil
}

// resolveFifo implements "Both Fifo: if permission bits or mtime
// differ, update attributes."
func (c *Client) resolveFifo(dirPath string, clientEntry, serverEntry *direntry.Entry) error {
	if clientEntry.Info == serverEntry.Info && direntry.TimeEqual(clientEntry.MTime, serverEntry.MTime) {
		c.report(dirPath, clientEntry.Name, "kept", "unchanged")
		return nil
	}
	if isConst(clientEntry.Name) {
		return ErrConst
	}
	synthetic := &direntry.Entry{Name: clientEntry.Name, Info: serverEntry.Info, MTime: serverEntry.MTime}
	if c.applyAttrs(dirPath, synthetic) {
		c.report(dirPath, clientEntry.Name, "updated", "attributes")
	}
	return nil
}

// resolveRegular implements "Both Regular": skip on full match, update
// attributes on content-only match, else remove+install unless the
// server is older and -O was not given.
func (c *Client) resolveRegular(dirPath string, clientEntry, serverEntry *direntry.Entry) error {
	contentMatches := clientEntry.Size == serverEntry.Size &&
		clientEntry.Ksum == serverEntry.Ksum &&
		direntry.TimeEqual(clientEntry.MTime, serverEntry.MTime)

	if contentMatches {
		if clientEntry.Info == serverEntry.Info {
			c.report(dirPath, clientEntry.Name, "kept", "unchanged")
			return nil
		}
		if isConst(clientEntry.Name) {
			return ErrConst
		}
		synthetic := &direntry.Entry{Name: clientEntry.Name, Info: serverEntry.Info, MTime: serverEntry.MTime}
		if c.applyAttrs(dirPath, synthetic) {
			c.report(dirPath, clientEntry.Name, "updated", "attributes")
		}
		return nil
	}

	if !c.Older && direntry.CompareTime(serverEntry.MTime, clientEntry.MTime) < 0 {
		c.report(dirPath, clientEntry.Name, "kept", "server older")
		return nil
	}

	if isConst(clientEntry.Name) {
		return ErrConst
	}
	if _, err := install.Remove(dirPath, clientEntry); err != nil {
		return err
	}
	outcome, err := install.InstallFile(c.Conn, dirPath, serverEntry, c.buffer())
	if err != nil {
		return err
	}
	if category, reason := splitOutcome(outcome); category != "installed" {
		c.report(dirPath, clientEntry.Name, category, reason)
	} else {
		c.report(dirPath, clientEntry.Name, "updated", "content differs")
	}
	return nil
}

// descend sends GOTO for name, merges the resulting subdirectory
// against its local counterpart, and returns with a matching QUIT
// (spec §4.5's nested GOTO/QUIT balance, spec §5).
func (c *Client) descend(ctx context.Context, dirPath, name string) error {
	if err := c.Conn.WriteOpcode(protocol.OpGoto); err != nil {
		return err
	}
	if err := c.Conn.WriteString(name); err != nil {
		return err
	}
	if err := c.Conn.Flush(); err != nil {
		return err
	}
	resp, err := c.Conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp != protocol.Accept {
		c.report(dirPath, name, "skipped", "Disallowed by SERVER")
		return nil
	}

	sub := filepath.Join(dirPath, name)
	localListing, err := direntry.Scan(sub, c.scanOptions())
	if err != nil {
		return err
	}
	serverListing, err := direntry.ReadListing(c.Conn, sub, c.Global.CaseSensitive())
	if err != nil {
		return err
	}

	if err := c.merge(ctx, sub, localListing, serverListing); err != nil {
		return err
	}

	if err := c.Conn.WriteOpcode(protocol.OpQuit); err != nil {
		return err
	}
	resp, err = c.Conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp != protocol.Accept {
		return errors.Errorf("client: server refused QUIT for %s", sub)
	}
	return nil
}

func (c *Client) scanOptions() direntry.ScanOptions {
	return direntry.ScanOptions{
		CaseSensitive: c.Global.CaseSensitive(),
		MixedOS:       c.Global.OSFamily() == caps.OSMixed,
		Checksum:      c.Global.ChecksumRequested(),
	}
}

func (c *Client) buffer() []byte {
	if c.Buffer == nil {
		c.Buffer = make([]byte, protocol.MaxTransfer)
	}
	return c.Buffer
}

func (c *Client) report(dirPath, name, outcome, reason string) {
	r := MergeReport{Path: filepath.Join(dirPath, name), Outcome: outcome, Reason: reason}
	c.Reports = append(c.Reports, r)
	if c.Quiet {
		return
	}
	log.WithFields(log.Fields{"path": r.Path, "outcome": outcome, "reason": reason}).Info("merge")
}

func isConst(name string) bool { return name == constName }

// applyAttrs applies synthetic's Info/MTime onto the local object named
// by synthetic.Name under dirPath. DirEntry::intoFile never fails the
// session over a chmod/utime error; it logs and lets the rest of the
// tree proceed (spec §4.7), so a failure here is reported as "kept"
// rather than returned as an error.
func (c *Client) applyAttrs(dirPath string, synthetic *direntry.Entry) bool {
	if err := direntry.IntoFile(dirPath, synthetic); err != nil {
		log.WithFields(log.Fields{"path": filepath.Join(dirPath, synthetic.Name), "err": err}).Warn("unable to apply attributes")
		c.report(dirPath, synthetic.Name, "kept", "attribute error")
		return false
	}
	return true
}

// maskDirInfo implements spec §4.6's mixed-OS directory attribute
// masking: only when one side of a differing-OS session is actually
// Windows is the comparison narrowed to the Windows-compatible subset
// (a POSIX/Cygwin pair that merely disagrees on OS family compares
// its Info verbatim); owner read+write+execute is always assumed
// present so directories remain enterable on POSIX regardless of the
// declared bits.
func maskDirInfo(info direntry.Info, maskToWindows bool) direntry.Info {
	if maskToWindows {
		info &= direntry.InfoWindowsMask
	}
	return info | direntry.InfoRUsr | direntry.InfoWUsr | direntry.InfoXUsr
}

// splitOutcome splits an install-package result string such as
// "skipped [Disallowed by SERVER]" into its category and bracketed
// reason, or returns (s, "") when there is no bracket.
func splitOutcome(s string) (string, string) {
	if i := strings.Index(s, " ["); i >= 0 && strings.HasSuffix(s, "]") {
		return s[:i], s[i+2 : len(s)-1]
	}
	return s, ""
}
