package status

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/util"
	"github.com/arloliu/go-carvera/linebuf"
	"github.com/arloliu/go-carvera/logger"
)

// ErrNoChecksum is published in an ErrorEvent when an md5sum reply ends without
// an entry, usually because the file does not exist.
var ErrNoChecksum = errors.New("status: no checksum entry")

// reservedEntry is the pseudo directory the device lists under /sd. It is never reported.
const reservedEntry = "ud/"

type collectMode uint8

const (
	collectNone collectMode = iota
	collectListing
	collectChecksum
)

// Interpreter turns outbound commands and inbound frames into bus events.
//
// It is owned by the link goroutine and is not safe for concurrent use. While a
// block transfer owns the connection the link only feeds it text the transfer
// handed back.
type Interpreter struct {
	pub    bus.Publisher
	logger logger.Logger

	mode    collectMode
	dir     string
	file    string
	entries []bus.DirEntry
	sum     *bus.ChecksumEntry

	last     []byte
	lastTerm byte
	state    string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger. The default is logger.GetLogger().
func WithLogger(l logger.Logger) Option {
	return func(i *Interpreter) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewInterpreter creates an interpreter publishing to pub.
func NewInterpreter(pub bus.Publisher, opts ...Option) *Interpreter {
	i := &Interpreter{pub: pub, logger: logger.GetLogger()}
	for _, opt := range opts {
		opt(i)
	}

	return i
}

// State returns the state token of the last status record, empty before the first one.
func (i *Interpreter) State() string {
	return i.state
}

// Collecting reports whether a listing or checksum reply is being collected.
func (i *Interpreter) Collecting() bool {
	return i.mode != collectNone
}

// Terminator returns the frame terminator the reply in progress needs: EOT while a
// directory listing or checksum reply is collected, LF otherwise.
func (i *Interpreter) Terminator() byte {
	if i.mode != collectNone {
		return linebuf.EOT
	}

	return linebuf.LF
}

// Reset drops any collection in progress and the duplicate filter.
func (i *Interpreter) Reset() {
	i.mode = collectNone
	i.dir = ""
	i.entries = nil
	i.sum = nil
	i.last = i.last[:0]
	i.lastTerm = 0
}

// OnSend inspects bytes written to the device. A bare status poll is ignored,
// ls and md5sum commands start collecting their reply, other commands are echoed
// as a LineInEvent unless a collection is active.
func (i *Interpreter) OnSend(data []byte) {
	text := strings.TrimSpace(util.Clean(data))
	if text == "?" || text == "" {
		return
	}

	cmd := strings.Fields(text)
	switch cmd[0] {
	case "ls":
		i.mode = collectListing
		i.entries = []bus.DirEntry{}
		i.dir = ""
		if dir := cmd[len(cmd)-1]; len(cmd) > 1 && !strings.HasPrefix(dir, "-") {
			i.dir = dir
		}
		i.logger.Debug("collecting directory listing", "dir", i.dir)

		return
	case "md5sum":
		i.mode = collectChecksum
		i.entries = nil
		i.sum = nil
		i.file = strings.Join(cmd[1:], " ")
		i.logger.Debug("collecting checksum", "file", i.file)

		return
	}

	if i.Collecting() {
		return
	}
	if lines := util.Lines(data); len(lines) > 0 {
		i.pub.Publish(bus.LineInEvent{Lines: lines})
	}
}

// OnFrame interprets one inbound frame and reports whether it held a status record.
//
// A frame identical to the one before it is not published again, but it still
// contributes to a collection in progress.
func (i *Interpreter) OnFrame(f linebuf.Frame) (sawStatus bool) {
	dup := f.Term == i.lastTerm && bytes.Equal(f.Data, i.last)
	i.last = append(i.last[:0], f.Data...)
	i.lastTerm = f.Term

	if !dup && i.logger.Level() <= logger.DebugLevel {
		i.logger.Debug("device recv", "len", len(f.Data), "data", util.Readable(f.Data))
	}

	var out []string
	for _, line := range strings.Split(util.Clean(f.Data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if IsStatus(line) {
			sawStatus = true
			st, _ := ParseStatus(line)
			i.state = st.State
			if !dup {
				i.pub.Publish(bus.StatusEvent{Status: st})
			}

			continue
		}

		switch i.mode {
		case collectListing:
			if e, ok := parseDirEntry(line); ok {
				i.entries = append(i.entries, e)
			}
		case collectChecksum:
			i.addChecksum(line)
		default:
			out = append(out, line)
		}
	}

	if len(out) > 0 && !dup {
		i.pub.Publish(bus.LineOutEvent{Lines: out})
	}

	if f.Term == linebuf.EOT || bytes.IndexByte(f.Data, linebuf.EOT) >= 0 {
		i.complete()
	}

	return sawStatus
}

// addChecksum records the first entry of a checksum reply. It is published once
// the reply terminator arrives.
func (i *Interpreter) addChecksum(line string) {
	if i.sum != nil {
		i.logger.Debug("extra checksum line ignored", "line", line)
		return
	}
	fields := strings.Fields(line)
	entry := bus.ChecksumEntry{MD5: fields[0]}
	if len(fields) > 1 {
		entry.File = strings.Join(fields[1:], " ")
	}
	i.sum = &entry
}

// complete ends the collection in progress when the reply terminator arrives.
func (i *Interpreter) complete() {
	switch i.mode {
	case collectListing:
		i.logger.Debug("directory listing complete", "dir", i.dir, "entries", len(i.entries))
		i.pub.Publish(bus.DirectoryListingEvent{Dir: i.dir, Entries: i.entries})
	case collectChecksum:
		if i.sum != nil {
			i.pub.Publish(bus.ChecksumResultEvent{Entry: *i.sum})
			break
		}
		i.logger.Warn("checksum reply ended without an entry", "file", i.file)
		i.pub.Publish(bus.ErrorEvent{Op: "md5sum", Err: fmt.Errorf("%w: %s", ErrNoChecksum, i.file)})
	default:
		return
	}
	i.mode = collectNone
	i.entries = nil
	i.sum = nil
}

func parseDirEntry(line string) (bus.DirEntry, bool) {
	fields := strings.Fields(line)
	e := bus.DirEntry{Name: fields[0]}
	if len(fields) > 1 {
		e.Size = fields[1]
	}
	if e.Name == reservedEntry {
		return bus.DirEntry{}, false
	}

	return e, true
}
