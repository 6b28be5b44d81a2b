package bus

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Target identifies a device on the network.
type Target struct {
	Name string `json:"name" yaml:"name"`
	IP   string `json:"ip" yaml:"ip"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.IP, strconv.Itoa(t.Port))
}

// IsZero reports whether no address is set.
func (t Target) IsZero() bool {
	return t.IP == "" && t.Port == 0
}

func (t Target) String() string {
	if t.Name == "" {
		return t.Addr()
	}

	return t.Name + "@" + t.Addr()
}

// ParseTarget parses the "name,ip,port" form used by discovery beacons and the
// configuration file. Fields after the port are ignored.
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 3 {
		return Target{}, fmt.Errorf("bus: invalid target %q, want name,ip,port", s)
	}

	ip := strings.TrimSpace(parts[1])
	if net.ParseIP(ip) == nil {
		return Target{}, fmt.Errorf("bus: invalid target ip %q", ip)
	}

	port, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil || port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("bus: invalid target port %q", parts[2])
	}

	return Target{Name: strings.TrimSpace(parts[0]), IP: ip, Port: port}, nil
}

// Status is one parsed status record, e.g. <Idle|MPos:0,0,0|F:0,100>.
type Status struct {
	// State is the machine state token such as Idle, Run, Hold or Alarm.
	State string `json:"state"`
	// Fields maps the normalized field name (mpos, wpos, feed, ...) to its values.
	Fields map[string][]float64 `json:"fields,omitempty"`
}

// Field returns the values recorded under name, or nil.
func (s Status) Field(name string) []float64 {
	return s.Fields[name]
}

// DirEntry is one line of a directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

// IsDir reports whether the entry names a directory. The device suffixes directories with '/'.
func (e DirEntry) IsDir() bool {
	return strings.HasSuffix(e.Name, "/")
}

// ChecksumEntry is the device's answer to md5sum.
type ChecksumEntry struct {
	MD5  string `json:"md5sum"`
	File string `json:"file"`
}

// Direction tells which way a block transfer flows.
type Direction uint8

const (
	// Upload sends a file to the device.
	Upload Direction = iota + 1
	// Download receives a file from the device.
	Download
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}
