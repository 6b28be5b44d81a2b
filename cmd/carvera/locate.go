package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/discovery"
)

var locateWait time.Duration

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Listen for device beacons",
	Long: `Locate listens on the locate port for the UDP beacons devices broadcast and
prints each device once, as name,ip,port.

Exit codes:
  0 - at least one device found
  1 - no device found before --wait elapsed`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := bus.New(bus.WithLogger(log))
		out := cmd.OutOrStdout()
		bus.Subscribe(b, func(ev bus.DeviceFoundEvent) {
			fmt.Fprintf(out, "%s,%s,%d\n", ev.Target.Name, ev.Target.IP, ev.Target.Port)
		})

		loc := discovery.NewLocator(b,
			discovery.WithLocateAddr(fmt.Sprintf(":%d", cfg.LocatePort)),
			discovery.WithLocatorLogger(log),
		)
		if err := loc.Start(ctx); err != nil {
			return err
		}
		defer loc.Close()

		select {
		case <-ctx.Done():
		case <-time.After(locateWait):
		}

		if len(loc.Found()) == 0 {
			return fmt.Errorf("no device found within %v", locateWait)
		}

		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)

		return err
	},
}

func init() {
	rootCmd.AddCommand(locateCmd, configCmd)
	locateCmd.Flags().DurationVarP(&locateWait, "wait", "w", 5*time.Second, "How long to listen")
}
