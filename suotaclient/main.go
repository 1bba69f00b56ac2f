// Command suotaclient updates the firmware of a peripheral running the Dialog
// SUOTA bootloader, over Bluetooth Low Energy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"tinygo.org/x/bluetooth"

	"github.com/tinygo-org/suota/ble"
	"github.com/tinygo-org/suota/config"
	"github.com/tinygo-org/suota/protocol"
	"github.com/tinygo-org/suota/simulator"
)

var (
	profileFlag  string
	nameFlag     string
	addressFlag  string
	timeoutFlag  time.Duration
	verboseFlag  bool
	simulateFlag bool
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "suotaclient",
	Short: "Update peripheral firmware over BLE (Dialog SUOTA)",
	Long: `suotaclient pushes a firmware image to a peripheral running the Dialog
SUOTA bootloader, such as the smart glasses, over Bluetooth Low Energy.

The peripheral is found by scanning for the SPOTA service. Use --name or
--address to pick one when several are in range.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseFlag {
			log.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&profileFlag, "profile", "p", "", "device profile (YAML)")
	flags.StringVar(&nameFlag, "name", "", "only connect to a peripheral with this local name")
	flags.StringVar(&addressFlag, "address", "", "only connect to a peripheral with this address")
	flags.DurationVar(&timeoutFlag, "scan-timeout", 0, "give up scanning after this long (default from profile)")
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "log every protocol step")
	flags.BoolVar(&simulateFlag, "simulate", false, "run against a simulated peripheral instead of Bluetooth")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		handleError(rootCmd.Name(), err)
	}
}

// loadProfile reads the profile and applies the command line overrides.
func loadProfile() (config.Profile, error) {
	profile, err := config.Load(profileFlag)
	if err != nil {
		return profile, err
	}
	if nameFlag != "" {
		profile.Scan.Name = nameFlag
	}
	if addressFlag != "" {
		profile.Scan.Address = addressFlag
	}
	if timeoutFlag > 0 {
		profile.Scan.Timeout = config.Duration(timeoutFlag)
	}
	return profile, nil
}

// connect returns the transport to the peripheral and a function closing it.
func connect(ctx context.Context, profile config.Profile) (protocol.Transport, func(), error) {
	if simulateFlag {
		sim := simulator.New(
			simulator.WithStatusDelay(5*time.Millisecond),
			simulator.WithLogger(log),
		)
		log.Info("using ", sim)
		return sim, sim.Wait, nil
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, nil, errors.Wrap(err, "could not enable BLE adapter")
	}
	peripheral, err := ble.Connect(ctx, adapter, ble.Filter{
		Name:    profile.Scan.Name,
		Address: profile.Scan.Address,
		Timeout: time.Duration(profile.Scan.Timeout),
	}, ble.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	if name := peripheral.Name(); name == "" {
		log.Infof("connected to %s", peripheral.Address())
	} else {
		log.Infof("connected to %s (%s)", name, peripheral.Address())
	}
	return peripheral, func() {
		if err := peripheral.Close(); err != nil {
			log.WithError(err).Warn("disconnect failed")
		}
	}, nil
}

func handleError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}
