package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-carvera/logger"
)

func newTestBus() *Bus {
	return New(WithLogger(logger.NewPermissiveMockLogger()))
}

func TestBus_PublishInRegistrationOrder(t *testing.T) {
	b := newTestBus()

	var order []string
	b.SubscribeKind(KindLineOut, func(Event) { order = append(order, "first") })
	Subscribe(b, func(ev LineOutEvent) { order = append(order, "typed:"+ev.Lines[0]) })
	b.SubscribeAll(func(ev Event) { order = append(order, "all:"+ev.Kind().String()) })
	b.SubscribeKind(KindLineOut, func(Event) { order = append(order, "last") })

	b.Publish(LineOutEvent{Lines: []string{"ok"}})

	assert.Equal(t, []string{"first", "typed:ok", "last", "all:line-out"}, order)
}

func TestBus_KindsAreIndependent(t *testing.T) {
	b := newTestBus()

	var statuses, found int
	Subscribe(b, func(StatusEvent) { statuses++ })
	Subscribe(b, func(DeviceFoundEvent) { found++ })

	b.Publish(StatusEvent{Status: Status{State: "Idle"}})
	b.Publish(StatusEvent{Status: Status{State: "Run"}})
	b.Publish(DeviceFoundEvent{Target: Target{Name: "c1", IP: "10.0.0.2", Port: 2222}})
	b.Publish(nil)

	assert.Equal(t, 2, statuses)
	assert.Equal(t, 1, found)
	assert.Equal(t, 1, b.ListenerCount(KindStatus))
	assert.Equal(t, 0, b.ListenerCount(KindData))
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	l := logger.NewPermissiveMockLogger()
	b := New(WithLogger(l))

	var delivered []string
	b.SubscribeKind(KindError, func(Event) { panic("bad listener") })
	Subscribe(b, func(ev ErrorEvent) { delivered = append(delivered, ev.Op) })

	b.Publish(ErrorEvent{Op: "send", Err: errors.New("not connected")})

	assert.Equal(t, []string{"send"}, delivered)
	l.AssertCalled(t, "Error", "bus listener panic", []any{"kind", "error", "panic", "bad listener"})
}

func TestBus_ReentrantSubscribeAndPublish(t *testing.T) {
	b := newTestBus()

	var got []Kind
	Subscribe(b, func(ConnectEvent) {
		b.SubscribeKind(KindData, func(ev Event) { got = append(got, ev.Kind()) })
		b.Publish(DataEvent{Data: []byte("<Idle>")})
	})

	b.Publish(ConnectEvent{Transport: "tcp"})

	assert.Equal(t, []Kind{KindData}, got)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	count := 0
	Subscribe(b, func(DataEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(DataEvent{Data: []byte{'?'}})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}

func TestDispatcher_PreservesOrderAcrossEventsAndFuncs(t *testing.T) {
	b := newTestBus()
	d := NewDispatcher(b)
	defer d.Close()

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	Subscribe(b, func(ev LineInEvent) { record("in:" + ev.Lines[0]) })

	d.Publish(LineInEvent{Lines: []string{"a"}})
	d.Go(func() { record("callback") })
	d.Publish(LineInEvent{Lines: []string{"b"}})
	d.Sync()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"in:a", "callback", "in:b"}, order)
}

func TestDispatcher_ListenerMayPostBack(t *testing.T) {
	b := newTestBus()
	d := NewDispatcher(b)
	defer d.Close()

	done := make(chan struct{})
	Subscribe(b, func(StatusEvent) {
		d.Go(func() { close(done) })
	})
	d.Publish(StatusEvent{Status: Status{State: "Idle"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("func posted from listener never ran")
	}
}

func TestDispatcher_CloseDrainsThenDrops(t *testing.T) {
	b := newTestBus()
	d := NewDispatcher(b)

	var mu sync.Mutex
	count := 0
	Subscribe(b, func(SendEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		d.Publish(SendEvent{Data: []byte("?")})
	}
	d.Close()
	d.Publish(SendEvent{Data: []byte("?")})
	d.Sync()
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, count)
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("Carvera_01,192.168.1.20,2222,1")
	require.NoError(t, err)
	assert.Equal(t, Target{Name: "Carvera_01", IP: "192.168.1.20", Port: 2222}, tgt)
	assert.Equal(t, "192.168.1.20:2222", tgt.Addr())
	assert.Equal(t, "Carvera_01@192.168.1.20:2222", tgt.String())
	assert.False(t, tgt.IsZero())

	for _, bad := range []string{"", "a,b", "c,not-an-ip,2222", "c,10.0.0.1,http", "c,10.0.0.1,70000"} {
		_, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestDirEntryAndDirection(t *testing.T) {
	assert.True(t, DirEntry{Name: "gcodes/"}.IsDir())
	assert.False(t, DirEntry{Name: "a.nc"}.IsDir())
	assert.Equal(t, "upload", Upload.String())
	assert.Equal(t, "download", Download.String())
	assert.Equal(t, "directory-listing", KindDirectoryListing.String())
	assert.Equal(t, "unknown", Kind(200).String())
}
