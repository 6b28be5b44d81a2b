package web

import (
	"github.com/arloliu/go-carvera/bus"
)

// Command is a JSON request from a browser client. Exactly one operation is
// expected; when several are set the first in field order wins. MD5 is the
// expected checksum for Download, or the file to checksum on its own.
type Command struct {
	LS       string `json:"ls,omitempty"`
	RM       string `json:"rm,omitempty"`
	Download string `json:"download,omitempty"`
	Gcmd     string `json:"gcmd,omitempty"`
	Upload   string `json:"upload,omitempty"`
	MD5      string `json:"md5,omitempty"`
}

// Message is a JSON notification sent to browser clients. Only the fields of one
// notification are set.
type Message struct {
	Connected *bool              `json:"connected,omitempty"`
	Found     *bus.Target        `json:"found,omitempty"`
	Status    *bus.Status        `json:"status,omitempty"`
	Dir       string             `json:"dir,omitempty"`
	List      []bus.DirEntry     `json:"list,omitempty"`
	MD5       *bus.ChecksumEntry `json:"md5,omitempty"`
	LinesIn   []string           `json:"lines_in,omitempty"`
	LinesOut  []string           `json:"lines_out,omitempty"`
	Xmodem    *Transfer          `json:"xmodem,omitempty"`
	Uploaded  string             `json:"uploaded,omitempty"`
	Filedata  *Filedata          `json:"filedata,omitempty"`
	Error     *Error             `json:"error,omitempty"`
}

// Transfer reports block transfer progress.
type Transfer struct {
	Event     string `json:"event"`
	Direction string `json:"direction"`
	Path      string `json:"path,omitempty"`
	Block     int    `json:"block,omitempty"`
	Blocks    int    `json:"blocks,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Filedata carries a downloaded file. Data is empty when Matched is set.
type Filedata struct {
	Path    string `json:"path"`
	Data    string `json:"data"`
	MD5     string `json:"md5"`
	Matched bool   `json:"matched,omitempty"`
}

// Error reports a failed operation.
type Error struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// messageFor converts a bus event to its notification. ok is false for events
// browser clients do not receive.
func messageFor(ev bus.Event) (Message, bool) {
	switch e := ev.(type) {
	case bus.ConnectEvent:
		connected := true
		return Message{Connected: &connected}, true
	case bus.DisconnectEvent:
		connected := false
		return Message{Connected: &connected}, true
	case bus.DeviceFoundEvent:
		return Message{Found: &e.Target}, true
	case bus.StatusEvent:
		return Message{Status: &e.Status}, true
	case bus.DirectoryListingEvent:
		list := e.Entries
		if list == nil {
			list = []bus.DirEntry{}
		}
		return Message{Dir: e.Dir, List: list}, true
	case bus.ChecksumResultEvent:
		return Message{MD5: &e.Entry}, true
	case bus.LineInEvent:
		return Message{LinesIn: e.Lines}, true
	case bus.LineOutEvent:
		return Message{LinesOut: e.Lines}, true
	case bus.TransferStartEvent:
		return Message{Xmodem: &Transfer{Event: "start", Direction: e.Direction.String(), Path: e.Path, Blocks: e.Blocks}}, true
	case bus.TransferProgressEvent:
		return Message{Xmodem: &Transfer{
			Event:     "progress",
			Direction: e.Direction.String(),
			Block:     e.Block,
			Blocks:    e.Blocks,
			Bytes:     e.Bytes,
		}}, true
	case bus.TransferEndEvent:
		t := &Transfer{Event: "end", Direction: e.Direction.String()}
		if e.Err != nil {
			t.Error = e.Err.Error()
		}
		return Message{Xmodem: t}, true
	case bus.ErrorEvent:
		msg := "unknown error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return Message{Error: &Error{Op: e.Op, Message: msg}}, true
	default:
		return Message{}, false
	}
}
