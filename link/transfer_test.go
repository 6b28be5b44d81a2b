package link

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/internal/simdevice"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}

	return b
}

func TestLink_ListDirectory(t *testing.T) {
	require := require.New(t)

	l, rec := newTestLink(t)
	startDevice(t, l,
		simdevice.WithFile("/sd/gcodes/a.nc", []byte("G0 X1\n")),
		simdevice.WithFile("/sd/gcodes/sub/b.nc", []byte("G0\n")),
	)

	require.NoError(l.ListDirectory("/sd/gcodes"))
	require.Eventually(func() bool {
		l.Sync()
		return len(recorded[bus.DirectoryListingEvent](rec)) == 1
	}, waitFor, waitTick)

	ev := recorded[bus.DirectoryListingEvent](rec)[0]
	require.Equal("/sd/gcodes", ev.Dir)
	require.Equal([]bus.DirEntry{{Name: "a.nc", Size: "6"}, {Name: "sub/", Size: "0"}}, ev.Entries)
	require.Empty(recorded[bus.LineOutEvent](rec))
}

func TestLink_Checksum(t *testing.T) {
	require := require.New(t)

	l, rec := newTestLink(t)
	startDevice(t, l, simdevice.WithFile("/sd/gcodes/a.nc", []byte("hello")))

	require.NoError(l.Checksum("/sd/gcodes/a.nc"))
	require.Eventually(func() bool {
		l.Sync()
		return len(recorded[bus.ChecksumResultEvent](rec)) == 1
	}, waitFor, waitTick)

	ev := recorded[bus.ChecksumResultEvent](rec)[0]
	require.Equal(bus.ChecksumEntry{MD5: MD5Hex([]byte("hello")), File: "/sd/gcodes/a.nc"}, ev.Entry)

	// the reply terminator must not leak into the next collection
	require.NoError(l.ListDirectory("/sd/gcodes"))
	require.Eventually(func() bool {
		l.Sync()
		return len(recorded[bus.DirectoryListingEvent](rec)) == 1
	}, waitFor, waitTick)
	require.Equal([]bus.DirEntry{{Name: "a.nc", Size: "5"}}, recorded[bus.DirectoryListingEvent](rec)[0].Entries)
	require.Empty(recorded[bus.LineOutEvent](rec))
}

func TestLink_ChecksumReplyThenListing(t *testing.T) {
	require := require.New(t)

	l, rec := newTestLink(t)
	p := startPipe(t, l)

	require.NoError(l.Checksum("/sd/gcodes/a.nc"))
	p.waitFor(t, "md5sum /sd/gcodes/a.nc\n")
	p.write(t, "0123456789abcdef0123456789abcdef /sd/gcodes/a.nc\n\x04")
	require.Eventually(func() bool {
		l.Sync()
		return len(recorded[bus.ChecksumResultEvent](rec)) == 1
	}, waitFor, waitTick)

	require.NoError(l.ListDirectory("/sd/gcodes"))
	p.waitFor(t, "md5sum /sd/gcodes/a.nc\nls -e -s /sd/gcodes\n")
	p.write(t, "part1.nc 1024\npart2.nc 2048\n\x04")
	require.Eventually(func() bool {
		l.Sync()
		return len(recorded[bus.DirectoryListingEvent](rec)) == 1
	}, waitFor, waitTick)

	require.Equal(bus.ChecksumEntry{MD5: "0123456789abcdef0123456789abcdef", File: "/sd/gcodes/a.nc"},
		recorded[bus.ChecksumResultEvent](rec)[0].Entry)
	ev := recorded[bus.DirectoryListingEvent](rec)[0]
	require.Equal("/sd/gcodes", ev.Dir)
	require.Equal([]bus.DirEntry{{Name: "part1.nc", Size: "1024"}, {Name: "part2.nc", Size: "2048"}}, ev.Entries)
	require.Empty(recorded[bus.LineOutEvent](rec))
}

func TestLink_UploadDownload(t *testing.T) {
	require := require.New(t)

	l, rec := newTestLink(t)
	dev := startDevice(t, l)

	payload := testPayload(5*testBlockSize + 17)
	uploaded := make(chan UploadResult, 1)
	sum, err := l.Upload("/sd/gcodes/my part.nc", payload, func(r UploadResult) { uploaded <- r })
	require.NoError(err)
	require.Equal(MD5Hex(payload), sum)
	require.Equal(Sending, l.Transfer())

	var up UploadResult
	select {
	case up = <-uploaded:
	case <-time.After(waitFor):
		t.Fatal("upload did not complete")
	}
	require.NoError(up.Err)
	require.Equal("/sd/gcodes/my_part.nc", up.Path)
	require.Equal(len(payload), up.Size)
	require.Equal(Idle, l.Transfer())

	require.Eventually(func() bool {
		got, ok := dev.File("/sd/gcodes/my_part.nc")
		return ok && bytes.Equal(got, payload)
	}, waitFor, waitTick)

	downloaded := make(chan DownloadResult, 1)
	require.NoError(l.Download("/sd/gcodes/my_part.nc", "", func(r DownloadResult) { downloaded <- r }))

	var down DownloadResult
	select {
	case down = <-downloaded:
	case <-time.After(waitFor):
		t.Fatal("download did not complete")
	}
	require.NoError(down.Err)
	require.False(down.Matched)
	require.Equal(payload, down.Payload)
	require.Equal(sum, down.Checksum)

	l.Sync()
	require.Len(recorded[bus.UploadCompleteEvent](rec), 1)
	require.Len(recorded[bus.DownloadCompleteEvent](rec), 1)
	require.Len(recorded[bus.TransferStartEvent](rec), 2)
	require.Len(recorded[bus.TransferEndEvent](rec), 2)
	require.NotEmpty(recorded[bus.TransferProgressEvent](rec))

	var active []bool
	for _, ev := range recorded[bus.TransferStateEvent](rec) {
		active = append(active, ev.Active)
	}
	require.Equal([]bool{true, false, true, false}, active)
	require.EqualValues(2, l.Metrics().Transfers.Load())
	require.Zero(l.Metrics().TransferFailures.Load())

	// block bytes are not echoed as sends
	for _, ev := range recorded[bus.SendEvent](rec) {
		require.Less(len(ev.Data), testBlockSize)
	}

	// the link is usable again
	require.NoError(l.SendString("G0 X1\n"))
}

func TestLink_DownloadMatchedChecksumStopsEarly(t *testing.T) {
	require := require.New(t)

	payload := testPayload(20 * testBlockSize)
	l, rec := newTestLink(t)
	startDevice(t, l, simdevice.WithFile("/sd/gcodes/big.nc", payload))

	downloaded := make(chan DownloadResult, 1)
	require.NoError(l.Download("/sd/gcodes/big.nc", MD5Hex(payload), func(r DownloadResult) { downloaded <- r }))

	var res DownloadResult
	select {
	case res = <-downloaded:
	case <-time.After(waitFor):
		t.Fatal("download did not complete")
	}
	require.NoError(res.Err)
	require.True(res.Matched)
	require.Empty(res.Payload)

	l.Sync()
	evs := recorded[bus.DownloadCompleteEvent](rec)
	require.Len(evs, 1)
	require.True(evs[0].Matched)
}

func TestLink_BusyDuringTransfer(t *testing.T) {
	require := require.New(t)

	l, rec := newTestLink(t, WithSettleDelay(0))
	p := startPipe(t, l)

	uploaded := make(chan UploadResult, 1)
	_, err := l.Upload("/sd/gcodes/a.nc", []byte("G0 X1\n"), func(r UploadResult) { uploaded <- r })
	require.NoError(err)
	p.waitFor(t, "upload /sd/gcodes/a.nc\n")
	require.True(l.Transferring())

	require.ErrorIs(l.SendString("G0\n"), ErrBusy)
	require.ErrorIs(l.ListDirectory("/sd"), ErrBusy)
	require.ErrorIs(l.Download("/sd/gcodes/a.nc", "", nil), ErrBusy)
	_, err = l.Upload("/sd/gcodes/b.nc", []byte("x"), nil)
	require.ErrorIs(err, ErrBusy)

	// polls are skipped, not rejected
	require.NoError(l.SendString("?"))
	require.Zero(l.Metrics().Polls.Load())
	require.EqualValues(1, l.Metrics().PollsSkipped.Load())

	require.NoError(l.Stop())

	var res UploadResult
	select {
	case res = <-uploaded:
	case <-time.After(waitFor):
		t.Fatal("upload callback not called")
	}
	require.ErrorIs(res.Err, ErrConnClosed)
	require.Equal(Idle, l.Transfer())
	p.waitFor(t, "upload /sd/gcodes/a.nc\n\x18\x18\x18")

	l.Sync()
	require.Empty(recorded[bus.UploadCompleteEvent](rec))
	require.EqualValues(1, l.Metrics().TransferFailures.Load())
}

func TestLink_TransferWaitsForOutstandingReply(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLink(t, WithSettleDelay(0))
	p := startPipe(t, l)

	require.NoError(l.SendString("G0 X1\n"))
	p.waitFor(t, "G0 X1\n")
	_, err := l.Upload("/sd/gcodes/a.nc", []byte("x"), nil)
	require.NoError(err)
	require.Equal("G0 X1\n", p.String())

	p.write(t, "ok\n")
	p.waitFor(t, "G0 X1\nupload /sd/gcodes/a.nc\n")
}

func TestLink_TransferFailsWhenDeviceSilent(t *testing.T) {
	require := require.New(t)

	l, rec := newTestLink(t, WithSettleDelay(0))
	startPipe(t, l)

	downloaded := make(chan DownloadResult, 1)
	require.NoError(l.Download("/sd/gcodes/a.nc", "", func(r DownloadResult) { downloaded <- r }))

	var res DownloadResult
	select {
	case res = <-downloaded:
	case <-time.After(2 * waitFor):
		t.Fatal("download did not fail")
	}
	require.True(IsTransferError(res.Err))
	require.True(l.Connected())

	l.Sync()
	errs := recorded[bus.ErrorEvent](rec)
	require.NotEmpty(errs)
	require.Equal("download", errs[len(errs)-1].Op)
}

func TestLink_DownloadMissingFileReportsDeviceText(t *testing.T) {
	require := require.New(t)

	l, rec := newTestLink(t)
	startDevice(t, l)

	downloaded := make(chan DownloadResult, 1)
	require.NoError(l.Download("/sd/gcodes/none.nc", "", func(r DownloadResult) { downloaded <- r }))

	require.Eventually(func() bool {
		l.Sync()
		for _, ev := range recorded[bus.LineOutEvent](rec) {
			for _, line := range ev.Lines {
				if line == "error: /sd/gcodes/none.nc not found" {
					return true
				}
			}
		}

		return false
	}, waitFor, waitTick)

	var res DownloadResult
	select {
	case res = <-downloaded:
	case <-time.After(2 * waitFor):
		t.Fatal("download did not fail")
	}
	require.True(IsTransferError(res.Err))
	require.True(l.Connected())
}
