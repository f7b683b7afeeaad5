package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"baatcheet/config"
	"baatcheet/discovery"

	"github.com/spf13/cobra"
)

var errNoRelays = errors.New("no relays found on the local network")

func discoverCmd(a *app) *cobra.Command {
	var timeout time.Duration
	var use bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relays advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			relays, err := discovery.Browse(cmd.Context(), discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return err
			}
			if len(relays) == 0 {
				return errNoRelays
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tURL\tADDRESSES\tRELAY ID")
			for _, r := range relays {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Instance, r.BaseURL(), strings.Join(r.Addresses, ","), r.RelayID)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if use {
				a.cfg.RelayURL = relays[0].BaseURL()
				if err := config.Save(config.ConfigPath(a.home), a.cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Relay:           %s\n", a.cfg.RelayURL)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "scan window")
	cmd.Flags().BoolVar(&use, "use", false, "save the first relay found as this device's relay")
	return cmd
}
