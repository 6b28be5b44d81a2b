package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_FiresAfterReuse(t *testing.T) {
	t1 := GetTimer(10 * time.Millisecond)
	<-t1.C
	PutTimer(t1)

	begin := time.Now()
	t2 := GetTimer(30 * time.Millisecond)
	defer PutTimer(t2)

	select {
	case <-t2.C:
		assert.GreaterOrEqual(t, time.Since(begin), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("pooled timer did not fire")
	}
}

func TestTimer_PutActiveTimerDoesNotLeakFire(t *testing.T) {
	t1 := GetTimer(20 * time.Millisecond)
	PutTimer(t1)

	t2 := GetTimer(200 * time.Millisecond)
	defer PutTimer(t2)

	select {
	case <-t2.C:
		t.Fatal("stale expiry observed on reused timer")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestReadBuffer(t *testing.T) {
	b := GetReadBuffer()
	require.NotNil(t, b)
	assert.Len(t, *b, ReadBufferSize)

	*b = (*b)[:10]
	PutReadBuffer(b)

	b2 := GetReadBuffer()
	assert.Len(t, *b2, ReadBufferSize)
	PutReadBuffer(b2)

	short := make([]byte, 8)
	PutReadBuffer(&short)
	PutReadBuffer(nil)
}
