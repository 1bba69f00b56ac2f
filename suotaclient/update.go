package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tinygo-org/suota/config"
	"github.com/tinygo-org/suota/transfer"
	"github.com/tinygo-org/suota/updater"
)

var (
	yesFlag      bool
	noRebootFlag bool
	runLogFlag   string
)

var updateCmd = &cobra.Command{
	Use:   "update <firmware>",
	Short: "Write a firmware image (raw .img/.bin or ELF) to the peripheral",
	Long:  `Write a firmware image to the peripheral over SUOTA.

The image is sent as is. SUOTA bootloaders expect a .img file starting with
the product header; an ELF file is flattened to its loadable segments, which
carries no such header and is usually rejected with an invalid image header
status.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

func init() {
	updateCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "reboot after the update without asking")
	updateCmd.Flags().BoolVar(&noRebootFlag, "no-reboot", false, "never reboot after the update")
	updateCmd.Flags().StringVar(&runLogFlag, "run-log", "", "write the run log of the update to this file")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if yesFlag && noRebootFlag {
		return errors.New("--yes and --no-reboot are mutually exclusive")
	}
	profile, err := loadProfile()
	if err != nil {
		return err
	}
	switch {
	case yesFlag:
		profile.Reboot = config.RebootAlways
	case noRebootFlag:
		profile.Reboot = config.RebootNever
	}

	ctx := cmd.Context()
	transport, closeTransport, err := connect(ctx, profile)
	if err != nil {
		return err
	}
	defer closeTransport()

	var bar *progressbar.ProgressBar
	opts := profile.UpdaterOptions(terminalConfirmer{in: os.Stdin, out: os.Stderr})
	opts = append(opts,
		updater.WithLogger(log),
		updater.WithProgressCallback(func(p updater.Progress) {
			switch p.Phase {
			case updater.PhaseTransferring:
				if bar == nil {
					bar = progressbar.NewOptions(p.TotalBytes,
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionSetWidth(40),
						progressbar.OptionSetDescription("Writing"),
						progressbar.OptionShowBytes(true),
					)
				}
				if err := bar.Set(p.BytesSent); err != nil {
					log.WithError(err).Debug("could not draw the progress bar")
				}
			case updater.PhaseFinishing:
				if bar != nil {
					if err := bar.Finish(); err != nil {
						log.WithError(err).Debug("could not draw the progress bar")
					}
					fmt.Fprintln(os.Stderr)
				}
			}
		}),
	)
	u := updater.New(transport, opts...)

	err = u.Update(ctx, args[0])
	if runLogFlag != "" {
		if werr := os.WriteFile(runLogFlag, []byte(u.Log()), 0o644); werr != nil {
			log.WithError(werr).Warn("could not write the run log")
		}
	}
	if errors.Is(err, transfer.ErrCancelled) {
		fmt.Fprintln(os.Stderr)
		return errors.New("update cancelled, the peripheral keeps its current firmware")
	}
	if err != nil {
		return err
	}
	fmt.Println("Firmware updated.")
	return nil
}
