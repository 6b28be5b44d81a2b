package xmodem

import "sync/atomic"

// Metrics contains atomic block transfer counters.
// They can be used as the value of a prometheus CounterFunc.
type Metrics struct {
	// BlocksSent counts blocks acknowledged by the remote.
	BlocksSent atomic.Uint64
	// BlocksReceived counts blocks accepted from the remote.
	BlocksReceived atomic.Uint64
	// BlockRetries counts block and EOT retransmissions.
	BlockRetries atomic.Uint64
	// NaksSent counts NAKs written by a receiver.
	NaksSent atomic.Uint64
	// Cancels counts transfers aborted by either side.
	Cancels atomic.Uint64
	// EarlyExits counts downloads stopped by a checksum match.
	EarlyExits atomic.Uint64
}

func (m *Metrics) incBlocksSent()     { m.BlocksSent.Add(1) }
func (m *Metrics) incBlocksReceived() { m.BlocksReceived.Add(1) }
func (m *Metrics) incBlockRetries()   { m.BlockRetries.Add(1) }
func (m *Metrics) incNaksSent()       { m.NaksSent.Add(1) }
func (m *Metrics) incCancels()        { m.Cancels.Add(1) }
func (m *Metrics) incEarlyExits()     { m.EarlyExits.Add(1) }
