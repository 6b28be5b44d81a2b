// Package status interprets the device's text protocol: status records, directory
// listings, checksum replies and plain lines.
package status

import (
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-carvera/bus"
)

// Refresh intervals used by the keep-alive poll for the last observed state.
const (
	RunRefresh     = 200 * time.Millisecond
	IdleRefresh    = time.Second
	DefaultRefresh = 2 * time.Second
)

var keymap = map[string]string{
	"MPos": "mpos",  // X, Y, Z, A, B
	"WPos": "wpos",  // X, Y, Z, A, B
	"F":    "feed",  // current, target, scale
	"S":    "spin",  // current, target, scale
	"T":    "tool",  // number, offset
	"L":    "laser", // current, target, scale
	"W":    "probe", // voltage
	"P":    "play",  // lines, chars, seconds
	"A":    "setup",
	"H":    "halt",
}

// FieldName returns the normalized name of a status field key. Unknown keys are
// returned unchanged.
func FieldName(key string) string {
	if name, ok := keymap[key]; ok {
		return name
	}

	return key
}

// IsStatus reports whether line is a status record.
func IsStatus(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "<") && strings.IndexByte(line, '>') > 0
}

// ParseStatus parses a record of the form <STATE|KEY:v1,v2,...|...>.
// Values that are not numbers are dropped from their vector.
func ParseStatus(line string) (bus.Status, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") {
		return bus.Status{}, false
	}
	end := strings.IndexByte(line, '>')
	if end < 0 {
		return bus.Status{}, false
	}

	parts := strings.Split(line[1:end], "|")
	st := bus.Status{State: parts[0], Fields: make(map[string][]float64, len(parts)-1)}
	for _, part := range parts[1:] {
		key, val, _ := strings.Cut(part, ":")
		if key == "" {
			continue
		}
		var vec []float64
		if val != "" {
			vec = make([]float64, 0, strings.Count(val, ",")+1)
			for _, s := range strings.Split(val, ",") {
				f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					continue
				}
				vec = append(vec, f)
			}
		}
		st.Fields[FieldName(key)] = vec
	}

	return st, true
}

// RefreshHint returns the default keep-alive interval for a machine state.
func RefreshHint(state string) time.Duration {
	switch state {
	case "Run":
		return RunRefresh
	case "Idle":
		return IdleRefresh
	default:
		return DefaultRefresh
	}
}
