package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-carvera/config"
	"github.com/arloliu/go-carvera/logger"
)

var (
	cfgPath    string
	targetStr  string
	serialPort string
	baudRate   int
	logLevel   string
	console    bool
	verbose    bool
	opTimeout  time.Duration

	cfg *config.Config
	log logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "carvera",
	Short: "Carvera device link bridge",
	Long: `Carvera - bridge between a Carvera CNC controller and its clients.

The run command keeps one connection to the controller and shares it with
proxied TCP clients, WebSocket clients and the interactive command line.
The other commands connect, perform one operation and exit.

Connection modes:
  Network: --target "Carvera,192.168.1.20,2222" (or found by discovery)
  Serial:  --serial /dev/ttyACM0 [--baud 115200]

Settings are read from --config (YAML), then CARVERA_* environment variables,
then flags.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runBridge,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&targetStr, "target", "t", "", "Device as name,ip,port")
	rootCmd.PersistentFlags().StringVarP(&serialPort, "serial", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&console, "console", false, "Human readable log output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Trace device traffic")
	rootCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", time.Minute, "Timeout of one-shot operations")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("target") {
		c.Carvera = targetStr
	}
	if flags.Changed("serial") {
		c.Serial = serialPort
	}
	if flags.Changed("baud") {
		c.Baud = baudRate
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("console") {
		c.Console = console
	}
	if verbose {
		c.Quiet = false
	}
	if err := c.Validate(); err != nil {
		return err
	}

	cfg = c
	log = logger.New(logger.Options{Level: cfg.Level(), Console: cfg.Console})
	logger.SetDefault(log)

	return nil
}
