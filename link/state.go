package link

import "sync/atomic"

// State is the connection state of a Link.
type State uint32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// TransferState tells whether a block transfer owns the connection.
type TransferState uint32

const (
	Idle TransferState = iota
	Sending
	Receiving
)

func (s TransferState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Sending:
		return "Sending"
	case Receiving:
		return "Receiving"
	default:
		return "Unknown"
	}
}

// atomicState is written by the link goroutine and read from anywhere.
type atomicState struct {
	state atomic.Uint32
}

func (st *atomicState) Get() State {
	return State(st.state.Load())
}

func (st *atomicState) Set(s State) {
	st.state.Store(uint32(s))
}

func (st *atomicState) ToConnecting() bool {
	return st.state.CompareAndSwap(uint32(Disconnected), uint32(Connecting))
}

func (st *atomicState) ToConnected() bool {
	return st.state.CompareAndSwap(uint32(Connecting), uint32(Connected))
}

// CompareAndSet changes the state from old to s and reports whether it did.
func (st *atomicState) CompareAndSet(old, s State) bool {
	return st.state.CompareAndSwap(uint32(old), uint32(s))
}

// ToDisconnected reports whether the state changed.
func (st *atomicState) ToDisconnected() bool {
	return st.state.Swap(uint32(Disconnected)) != uint32(Disconnected)
}

type atomicTransfer struct {
	state atomic.Uint32
}

func (st *atomicTransfer) Get() TransferState {
	return TransferState(st.state.Load())
}

func (st *atomicTransfer) Set(s TransferState) {
	st.state.Store(uint32(s))
}
