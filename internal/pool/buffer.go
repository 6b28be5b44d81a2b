package pool

import "sync"

// ReadBufferSize is the size of buffers handed out by GetReadBuffer.
const ReadBufferSize = 4096

var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, ReadBufferSize)
		return &b
	},
}

// GetReadBuffer returns a ReadBufferSize byte slice for a single transport read.
func GetReadBuffer() *[]byte {
	b, _ := readBufPool.Get().(*[]byte)
	return b
}

// PutReadBuffer returns b to the pool. Callers must copy out any bytes they keep.
func PutReadBuffer(b *[]byte) {
	if b == nil || cap(*b) < ReadBufferSize {
		return
	}
	*b = (*b)[:ReadBufferSize]
	readBufPool.Put(b)
}
