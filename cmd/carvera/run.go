package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-carvera/bus"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge (default command)",
	Long: `Run keeps the device connection and serves the configured services:

  locate   listen for device beacons on the locate port and publish found devices
  spoof    announce this host as a device so desktop clients connect to the proxy
  proxy    share the connection with TCP clients on the proxy port
  web      serve the WebSocket UI and /metrics on the web port
  cmdline  forward lines typed on stdin to the device and print its replies
  autocon  connect as soon as a device is found or configured

Examples:
  carvera run --target "Carvera,192.168.1.20,2222"
  carvera run --serial /dev/ttyACM0 --console`,
	RunE: runBridge,
}

var runCmdline bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVarP(&runCmdline, "interactive", "i", false, "Read device commands from stdin")
}

func runBridge(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.Flags().Lookup("interactive") != nil && cmd.Flags().Changed("interactive") {
		cfg.Cmdline = runCmdline
	}

	b, err := newBridge(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := b.start(ctx); err != nil {
		_ = b.close()
		return err
	}

	if cfg.Cmdline {
		startCmdline(ctx, b, os.Stdin, cmd.OutOrStdout())
	}

	log.Info("bridge running", "web", cfg.Web, "proxy", cfg.Proxy, "locate", cfg.Locate, "spoof", cfg.Spoof)
	<-ctx.Done()
	log.Info("bridge stopping")

	return b.close()
}

// startCmdline forwards lines read from in to the device and prints device lines to out.
// The reader goroutine is not owned by the bridge: a blocked stdin read is left behind at exit.
func startCmdline(ctx context.Context, b *bridge, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	bus.Subscribe(b.bus, func(ev bus.LineOutEvent) {
		for _, line := range ev.Lines {
			fmt.Fprintln(out, line)
		}
	})
	bus.Subscribe(b.bus, func(ev bus.ErrorEvent) {
		fmt.Fprintf(out, "error: %s: %v\n", ev.Op, ev.Err)
	})

	_ = b.tasks.Start("cmdline", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				_ = b.link.SendString(line + "\n")
			}
		}
	})
}
