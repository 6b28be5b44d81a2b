/*
Package link owns the connection to a device and exposes the operations other
components use: sending commands, directory listings, checksums, removals, and
block transfers.

A Link runs one goroutine that owns the connection, the line framer, the status
interpreter, the send queue and the transfer in progress. Public methods hand a
request to that goroutine and wait for its answer; events leave through an
ordered dispatcher on the link's bus.

# Status polls

The device answers a bare '?' with a status record that is not correlated with
the request. Any other command written while a poll is outstanding could be
interleaved with the reply, so such commands are queued until the status record
arrives and then written oldest first. A newline terminated command that expects
a reply line (anything not starting with '$' or 'M') holds the queue and the
keep-alive poll until a newline is received.

# Keep-alive

Every poll tick the link writes '?' when it is connected and idle, no reply is
pending, no other consumer holds a lease (see Link.Lease), and the device has
been silent for longer than the refresh interval of its last reported state.

# Transfers

Upload and Download write the transfer command, wait for the settle delay and
then run the xmodem sender or receiver over the connection. While a transfer is
active every other command fails with ErrBusy.

Example:

	cfg, _ := link.NewConfig(link.WithTarget(bus.Target{Name: "carvera", IP: "192.168.1.20", Port: 2222}))
	l, _ := link.New(ctx, cfg)
	defer l.Close()

	bus.Subscribe(l.Bus(), func(ev bus.DirectoryListingEvent) { ... })
	if err := l.Start(); err != nil {
		return err
	}
	_ = l.ListDirectory("/sd/gcodes")
*/
package link
