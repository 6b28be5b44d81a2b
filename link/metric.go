package link

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains atomic link counters.
// They can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// BytesIn counts bytes read from the device.
	BytesIn atomic.Uint64
	// BytesOut counts bytes written to the device.
	BytesOut atomic.Uint64
	// Polls counts status polls written.
	Polls atomic.Uint64
	// PollsSkipped counts status polls not written because a block transfer owned the connection.
	PollsSkipped atomic.Uint64
	// Queued counts commands held back by an outstanding poll or reply.
	Queued atomic.Uint64
	// Flushed counts held back commands written later.
	Flushed atomic.Uint64
	// Errors counts failed operations.
	Errors atomic.Uint64
	// Transfers counts finished block transfers.
	Transfers atomic.Uint64
	// TransferFailures counts block transfers that ended with an error.
	TransferFailures atomic.Uint64
	// QueueDepth is the number of commands waiting in the send queue.
	QueueDepth atomic.Int64
	// Connects counts established connections.
	Connects atomic.Uint64
}

func (m *Metrics) addBytesIn(n int) { m.BytesIn.Add(uint64(n)) }
func (m *Metrics) addBytesOut(n int) { m.BytesOut.Add(uint64(n)) }
func (m *Metrics) incPolls() { m.Polls.Add(1) }
func (m *Metrics) incPollsSkipped() { m.PollsSkipped.Add(1) }
func (m *Metrics) incErrors() { m.Errors.Add(1) }
func (m *Metrics) incConnects() { m.Connects.Add(1) }
func (m *Metrics) setQueueDepth(n int) { m.QueueDepth.Store(int64(n)) }

func (m *Metrics) incQueued(depth int) {
	m.Queued.Add(1)
	m.setQueueDepth(depth)
}

func (m *Metrics) incFlushed(depth int) {
	m.Flushed.Add(1)
	m.setQueueDepth(depth)
}

func (m *Metrics) incTransfers(failed bool) {
	m.Transfers.Add(1)
	if failed {
		m.TransferFailures.Add(1)
	}
}

// RegisterMetrics exposes the counters of l, including its block transfer counters,
// on reg under the carvera_link and carvera_xmodem prefixes.
func RegisterMetrics(reg prometheus.Registerer, l *Link) error {
	m := l.Metrics()
	xm := l.TransferMetrics()

	counter := func(ns, name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "carvera",
			Subsystem: ns,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "carvera",
			Subsystem: "link",
			Name:      name,
			Help:      help,
		}, fn)
	}

	collectors := []prometheus.Collector{
		counter("link", "bytes_in_total", "Bytes read from the device.", &m.BytesIn),
		counter("link", "bytes_out_total", "Bytes written to the device.", &m.BytesOut),
		counter("link", "polls_total", "Status polls written.", &m.Polls),
		counter("link", "polls_skipped_total", "Status polls skipped during block transfers.", &m.PollsSkipped),
		counter("link", "queued_total", "Commands held back behind a poll or reply.", &m.Queued),
		counter("link", "flushed_total", "Held back commands written.", &m.Flushed),
		counter("link", "errors_total", "Failed link operations.", &m.Errors),
		counter("link", "connects_total", "Established connections.", &m.Connects),
		counter("link", "transfers_total", "Finished block transfers.", &m.Transfers),
		counter("link", "transfer_failures_total", "Block transfers that failed.", &m.TransferFailures),
		gauge("queue_depth", "Commands waiting in the send queue.", func() float64 { return float64(m.QueueDepth.Load()) }),
		gauge("connected", "1 when the device is connected.", func() float64 {
			if l.Connected() {
				return 1
			}
			return 0
		}),
		gauge("leases", "Keep-alive leases held by other consumers.", func() float64 { return float64(l.Leases()) }),
		counter("xmodem", "blocks_sent_total", "Blocks acknowledged by the device.", &xm.BlocksSent),
		counter("xmodem", "blocks_received_total", "Blocks accepted from the device.", &xm.BlocksReceived),
		counter("xmodem", "block_retries_total", "Block retransmissions.", &xm.BlockRetries),
		counter("xmodem", "naks_sent_total", "Blocks rejected.", &xm.NaksSent),
		counter("xmodem", "cancels_total", "Transfers cancelled by either side.", &xm.Cancels),
		counter("xmodem", "early_exits_total", "Downloads skipped on a checksum match.", &xm.EarlyExits),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}
