// Package xmodem implements the CRC flavored XMODEM variant spoken by the device for
// file upload and download.
//
// A block on the wire is:
//
//	[STX][index][255-index][len-hi][len-lo][payload padded to BlockSize with 0x1A][crc-hi][crc-lo]
//
// The CRC is CRC-16/XMODEM over the declared-length payload. The first block of every
// transfer carries the content checksum (MD5 hex) instead of file data, which lets a
// receiver that already holds the same content stop the transfer after one block.
//
// Sender and Receiver are event driven state machines. They never block and never
// start goroutines: the owner feeds inbound bytes with Feed, calls Expire once
// Deadline has passed, and receives the outcome exactly once through the completion
// callback given at construction. This lets the device link run a transfer on its own
// goroutine, interleaved with its other timers.
package xmodem
