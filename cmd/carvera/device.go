package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/link"
)

var errNoTarget = errors.New("no device: use --target, --serial or a configured carvera target")

var (
	sendWait     time.Duration
	downloadSum  string
	downloadPath string
)

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List a directory on the device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := link.GcodeDir
		if len(args) > 0 {
			dir = args[0]
		}

		return withLink(cmd.Context(), func(ctx context.Context, l *link.Link) error {
			ev, err := await[bus.DirectoryListingEvent](ctx, l, func() error { return l.ListDirectory(dir) })
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s:\n", ev.Dir)
			for _, e := range ev.Entries {
				fmt.Fprintf(out, "%10s  %s\n", e.Size, e.Name)
			}

			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <file>",
	Short: "Remove a file below the gcode directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLink(cmd.Context(), func(ctx context.Context, l *link.Link) error {
			_, err := await[bus.LineOutEvent](ctx, l, func() error { return l.Remove(devicePath(args[0])) })
			return err
		})
	},
}

var md5Cmd = &cobra.Command{
	Use:   "md5 <file>",
	Short: "Print the MD5 checksum of a device file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLink(cmd.Context(), func(ctx context.Context, l *link.Link) error {
			ev, err := await[bus.ChecksumResultEvent](ctx, l, func() error { return l.Checksum(devicePath(args[0])) })
			if err != nil {
				return err
			}
			if ev.Entry.MD5 == "" {
				return fmt.Errorf("%s: no such file", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", ev.Entry.MD5, ev.Entry.File)

			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <command...>",
	Short: "Send one command line and print the replies",
	Long: `Send writes the arguments as one line to the device and prints the lines it
receives until --wait elapses.

Examples:
  carvera send G28
  carvera send --wait 3s "M114"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		line := strings.Join(args, " ")

		return withLink(cmd.Context(), func(ctx context.Context, l *link.Link) error {
			out := cmd.OutOrStdout()
			bus.Subscribe(l.Bus(), func(ev bus.LineOutEvent) {
				for _, s := range ev.Lines {
					fmt.Fprintln(out, s)
				}
			})
			if err := l.SendString(line + "\n"); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sendWait):
			}
			l.Sync()

			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <local> [remote]",
	Short: "Upload a file to the gcode directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		remote := devicePath(path.Base(args[0]))
		if len(args) > 1 {
			remote = devicePath(args[1])
		}

		return withLink(cmd.Context(), func(ctx context.Context, l *link.Link) error {
			done := make(chan link.UploadResult, 1)
			if _, err := l.Upload(remote, payload, func(r link.UploadResult) { done <- r }); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r := <-done:
				if r.Err != nil {
					return r.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d bytes\n", r.Checksum, r.Path, r.Size)

				return nil
			}
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <remote>",
	Short: "Download a file from the device",
	Long: `Download fetches a device file. With --md5 the transfer ends early when the
device file has the given checksum and nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLink(cmd.Context(), func(ctx context.Context, l *link.Link) error {
			done := make(chan link.DownloadResult, 1)
			if err := l.Download(devicePath(args[0]), downloadSum, func(r link.DownloadResult) { done <- r }); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r := <-done:
				if r.Err != nil {
					return r.Err
				}
				out := cmd.OutOrStdout()
				if r.Matched {
					fmt.Fprintf(out, "%s  %s  unchanged\n", r.Checksum, r.Path)
					return nil
				}

				dst := downloadPath
				if dst == "" {
					dst = path.Base(r.Path)
				}
				if err := os.WriteFile(dst, r.Payload, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s  %s  %d bytes\n", r.Checksum, dst, len(r.Payload))

				return nil
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(lsCmd, rmCmd, md5Cmd, sendCmd, uploadCmd, downloadCmd)
	sendCmd.Flags().DurationVarP(&sendWait, "wait", "w", time.Second, "How long to print replies")
	downloadCmd.Flags().StringVar(&downloadSum, "md5", "", "Expected checksum; skip the transfer when it matches")
	downloadCmd.Flags().StringVarP(&downloadPath, "output", "o", "", "Local file, defaults to the remote base name")
}

// devicePath resolves a relative name against the gcode directory.
func devicePath(p string) string {
	if p == link.FirmwarePath || strings.HasPrefix(p, "/") {
		return p
	}

	return link.GcodeDir + p
}

// withLink connects a link without keep-alive polling, runs fn and closes the link.
func withLink(parent context.Context, fn func(ctx context.Context, l *link.Link) error) error {
	ctx, cancel := context.WithTimeout(parent, opTimeout)
	defer cancel()

	opts := append(cfg.LinkOptions(), link.WithLogger(log), link.WithKeepAlive(false))
	lcfg, err := link.NewConfig(opts...)
	if err != nil {
		return err
	}
	l, err := link.New(ctx, lcfg)
	if err != nil {
		return err
	}
	defer l.Close()

	switch {
	case cfg.Serial != "":
		port, err := link.OpenSerial(cfg.Serial, cfg.Baud)
		if err != nil {
			return err
		}
		if err := l.StartWith(port, "serial"); err != nil {
			_ = port.Close()
			return err
		}
	default:
		if _, ok := cfg.Target(); !ok {
			return errNoTarget
		}
		if err := l.Start(); err != nil {
			return err
		}
	}

	return fn(ctx, l)
}

// await runs op and returns the first E published afterwards. An ErrorEvent
// published in the meantime fails the wait.
func await[E bus.Event](ctx context.Context, l *link.Link, op func() error) (E, error) {
	var zero E

	events := make(chan E, 1)
	errs := make(chan error, 1)
	bus.Subscribe(l.Bus(), func(ev E) {
		select {
		case events <- ev:
		default:
		}
	})
	bus.Subscribe(l.Bus(), func(ev bus.ErrorEvent) {
		err := ev.Err
		if err == nil {
			err = errors.New("unknown error")
		}
		select {
		case errs <- fmt.Errorf("%s: %w", ev.Op, err):
		default:
		}
	})

	if err := op(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case err := <-errs:
		return zero, err
	case ev := <-events:
		return ev, nil
	}
}
