// Package util holds small byte helpers shared by the link and its collaborators.
package util

import (
	"fmt"
	"strings"
)

// Readable renders b for logs: printable ASCII as is, LF and CR as [LF] and [CR],
// every other byte as its lower-case hex value in brackets.
func Readable(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		switch {
		case c == '\n':
			sb.WriteString("[LF]")
		case c == '\r':
			sb.WriteString("[CR]")
		case c < 32 || c > 126:
			fmt.Fprintf(&sb, "[%x]", c)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// Clean drops every byte that is neither printable ASCII nor CR/LF.
func Clean(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if (c >= 32 && c <= 126) || c == '\n' || c == '\r' {
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// Lines splits cleaned text on LF, trims each line and drops empty ones.
func Lines(b []byte) []string {
	raw := strings.Split(Clean(b), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	return lines
}

// HexDump formats b as 16 byte rows of offset, hex pairs and an ASCII column.
func HexDump(b []byte) string {
	var sb strings.Builder
	for off := 0; off < len(b); off += 16 {
		end := min(off+16, len(b))
		row := b[off:end]

		fmt.Fprintf(&sb, "%08x  ", off)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&sb, "%02x ", row[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" |")
		for _, c := range row {
			if c >= 0x20 && c <= 0x7e {
				sb.WriteByte(c)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}
