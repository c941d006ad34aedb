package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/device"
)

// powerCmd represents the power command
var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "Show the Bluetooth adapter power state",
	Long: `Prints the power state reported by the Bluetooth adapter.

The state is unknown until the adapter reports it, so the command waits up
to --wait for it to turn on. It exits with an error when the adapter is not on.`,
	Args: cobra.NoArgs,
	RunE: runPower,
}

var powerWait time.Duration

func init() {
	powerCmd.Flags().DurationVar(&powerWait, "wait", 2*time.Second, "How long to wait for the adapter to turn on")
}

func runPower(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	rt, err := startRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), powerWait)
	defer cancel()
	waitErr := rt.session.WaitPoweredOn(ctx)

	state := rt.session.PowerState()
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Bluetooth power: %s\n", painter(w)(valueColor, "%s", state))
	if state != device.PowerOn {
		return waitErr
	}
	return nil
}
