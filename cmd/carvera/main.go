// Command carvera bridges a Carvera CNC controller to TCP proxy clients, a
// WebSocket UI and the local command line.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
