package bus

// Kind enumerates the closed set of events carried by the bus.
type Kind uint8

const (
	kindAll Kind = iota // reserved key for SubscribeAll listeners

	KindConnect
	KindData
	KindSend
	KindDisconnect
	KindError
	KindLineIn
	KindLineOut
	KindStatus
	KindDirectoryListing
	KindChecksumResult
	KindUploadComplete
	KindDownloadComplete
	KindTransferStart
	KindTransferProgress
	KindTransferEnd
	KindTransferState
	KindDeviceFound
)

var kindNames = [...]string{
	kindAll:              "all",
	KindConnect:          "connect",
	KindData:             "data",
	KindSend:             "send",
	KindDisconnect:       "disconnect",
	KindError:            "error",
	KindLineIn:           "line-in",
	KindLineOut:          "line-out",
	KindStatus:           "status",
	KindDirectoryListing: "directory-listing",
	KindChecksumResult:   "checksum-result",
	KindUploadComplete:   "upload-complete",
	KindDownloadComplete: "download-complete",
	KindTransferStart:    "transfer-start",
	KindTransferProgress: "transfer-progress",
	KindTransferEnd:      "transfer-end",
	KindTransferState:    "transfer-state",
	KindDeviceFound:      "device-found",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "unknown"
}

// Event is implemented only by the payload types of this package.
type Event interface {
	Kind() Kind
	isEvent()
}

type sealed struct{}

func (sealed) isEvent() {}

// ConnectEvent is published when the link is connected.
type ConnectEvent struct {
	sealed
	Target Target
	// Transport is "tcp", "serial" or the label given to an adopted stream.
	Transport string
}

// DataEvent carries raw inbound bytes in arrival order.
type DataEvent struct {
	sealed
	Data []byte
}

// SendEvent carries raw outbound bytes as written to the transport.
type SendEvent struct {
	sealed
	Data []byte
}

// DisconnectEvent is published when the connection ends. Err is nil for a clean close.
type DisconnectEvent struct {
	sealed
	Err error
}

// ErrorEvent reports a failed operation or transport error.
type ErrorEvent struct {
	sealed
	Op  string
	Err error
}

// LineInEvent echoes text commands written to the device.
type LineInEvent struct {
	sealed
	Lines []string
}

// LineOutEvent carries text lines received from the device.
type LineOutEvent struct {
	sealed
	Lines []string
}

// StatusEvent carries a parsed status record.
type StatusEvent struct {
	sealed
	Status Status
}

// DirectoryListingEvent carries a complete listing of Dir.
type DirectoryListingEvent struct {
	sealed
	Dir     string
	Entries []DirEntry
}

// ChecksumResultEvent carries the device's md5sum answer.
type ChecksumResultEvent struct {
	sealed
	Entry ChecksumEntry
}

// UploadCompleteEvent is published after a successful upload.
type UploadCompleteEvent struct {
	sealed
	Path     string
	Checksum string
	Size     int
}

// DownloadCompleteEvent is published after a successful download.
// Matched is true when the transfer stopped early because the checksum matched.
type DownloadCompleteEvent struct {
	sealed
	Path     string
	Checksum string
	Size     int
	Matched  bool
}

// TransferStartEvent is published when a block transfer begins.
type TransferStartEvent struct {
	sealed
	Direction Direction
	Path      string
	// Blocks is the number of blocks to send including the checksum block, 0 when unknown.
	Blocks int
}

// TransferProgressEvent is published at least once per block.
type TransferProgressEvent struct {
	sealed
	Direction Direction
	Block     int
	Blocks    int
	Bytes     int
}

// TransferEndEvent is published when a block transfer terminates, successfully or not.
type TransferEndEvent struct {
	sealed
	Direction Direction
	Err       error
}

// TransferStateEvent is published whenever a transfer takes or releases the connection.
type TransferStateEvent struct {
	sealed
	Active bool
}

// DeviceFoundEvent is published by discovery or configuration.
type DeviceFoundEvent struct {
	sealed
	Target Target
}

func (ConnectEvent) Kind() Kind          { return KindConnect }
func (DataEvent) Kind() Kind             { return KindData }
func (SendEvent) Kind() Kind             { return KindSend }
func (DisconnectEvent) Kind() Kind       { return KindDisconnect }
func (ErrorEvent) Kind() Kind            { return KindError }
func (LineInEvent) Kind() Kind           { return KindLineIn }
func (LineOutEvent) Kind() Kind          { return KindLineOut }
func (StatusEvent) Kind() Kind           { return KindStatus }
func (DirectoryListingEvent) Kind() Kind { return KindDirectoryListing }
func (ChecksumResultEvent) Kind() Kind   { return KindChecksumResult }
func (UploadCompleteEvent) Kind() Kind   { return KindUploadComplete }
func (DownloadCompleteEvent) Kind() Kind { return KindDownloadComplete }
func (TransferStartEvent) Kind() Kind    { return KindTransferStart }
func (TransferProgressEvent) Kind() Kind { return KindTransferProgress }
func (TransferEndEvent) Kind() Kind      { return KindTransferEnd }
func (TransferStateEvent) Kind() Kind    { return KindTransferState }
func (DeviceFoundEvent) Kind() Kind      { return KindDeviceFound }
