package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinygo-org/suota/updater"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the SUOTA parameters of the peripheral",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := loadProfile()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		transport, closeTransport, err := connect(ctx, profile)
		if err != nil {
			return err
		}
		defer closeTransport()

		params, err := updater.New(transport, updater.WithLogger(log)).ReadParameters(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("SUOTA version:    %d\n", params.Version)
		fmt.Printf("patch data size:  %d\n", params.PatchDataSize)
		fmt.Printf("mtu:              %d\n", params.MTU)
		fmt.Printf("l2cap psm:        %d\n", params.L2CAPPSM)
		return nil
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the peripheral into its current firmware",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := loadProfile()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		transport, closeTransport, err := connect(ctx, profile)
		if err != nil {
			return err
		}
		defer closeTransport()

		// The peripheral usually resets before the write completes.
		if err := updater.New(transport, updater.WithLogger(log)).Reboot(ctx); err != nil {
			log.WithError(err).Debug("reboot write failed, ignored")
		}
		fmt.Println("Reboot requested.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd, rebootCmd)
}
