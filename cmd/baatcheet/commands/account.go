package commands

import (
	"context"
	"fmt"

	"baatcheet/client"
	"baatcheet/crypto"

	"github.com/spf13/cobra"
)

func registerCmd(a *app) *cobra.Command {
	var pass string
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account and publish this device's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := password(cmd, pass)
			if err != nil {
				return err
			}
			resp, err := a.api.Register(cmd.Context(), args[0], pw)
			if err != nil {
				return err
			}
			return a.signedIn(cmd, resp.User.ID, resp.User.Username, resp.Token)
		},
	}
	cmd.Flags().StringVar(&pass, "password", "", "account password (or $BAATCHEET_PASSWORD, or stdin)")
	return cmd
}

func loginCmd(a *app) *cobra.Command {
	var pass string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and publish this device's key if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := password(cmd, pass)
			if err != nil {
				return err
			}
			resp, err := a.api.Login(cmd.Context(), args[0], pw)
			if err != nil {
				return err
			}
			return a.signedIn(cmd, resp.User.ID, resp.User.Username, resp.Token)
		},
	}
	cmd.Flags().StringVar(&pass, "password", "", "account password (or $BAATCHEET_PASSWORD, or stdin)")
	return cmd
}

// signedIn stores the session and uploads the key unless the directory
// already holds this exact key.
func (a *app) signedIn(cmd *cobra.Command, userID, username, token string) error {
	if err := a.identity.Remember(userID, username, token); err != nil {
		return err
	}
	a.api.SetToken(token)

	if a.identity.State() != client.KeyStateUploaded {
		if err := a.identity.UploadKey(cmd.Context(), a.api); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:            %s\n", username)
	fmt.Fprintf(out, "User ID:         %s\n", userID)
	fmt.Fprintf(out, "Fingerprint:     %s\n", a.identity.Fingerprint())
	fmt.Fprintf(out, "Relay:           %s\n", a.cfg.RelayURL)
	return nil
}

func logoutCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				if err := a.requireLogin(); err != nil {
					return err
				}
				if err := a.api.LogoutAll(cmd.Context()); err != nil {
					return err
				}
			}
			if err := a.identity.Forget(); err != nil {
				return err
			}
			if all {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out of every device")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "revoke every outstanding token for this account")
	return cmd
}

func meCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the logged-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			me, err := a.api.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", me.Username, me.ID)
			return nil
		},
	}
}

func keysCmd(a *app) *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "keys [username]",
		Short: "Show this device's key, rotate it, or look up another user's fingerprint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return lookupKey(cmd.Context(), a, args[0], cmd)
			}

			if rotate {
				if err := a.requireLogin(); err != nil {
					return err
				}
				if err := a.identity.RemoveKeys(); err != nil {
					return err
				}
				if err := a.identity.UploadKey(cmd.Context(), a.api); err != nil {
					return err
				}
			}

			fmt.Fprintf(out, "Key State:       %s\n", a.identity.State())
			if fp := a.identity.Fingerprint(); fp != "" {
				fmt.Fprintf(out, "Fingerprint:     %s\n", fp)
			}
			fmt.Fprintf(out, "Private Key:     %s\n", a.cfg.RSAPrivateKeyPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "generate and publish a new keypair; older messages become unreadable here")
	return cmd
}

func lookupKey(ctx context.Context, a *app, username string, cmd *cobra.Command) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	resp, err := a.api.PublicKey(ctx, username)
	if err != nil {
		return err
	}
	pub, err := crypto.ParsePublicKey(resp.PublicKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Username, crypto.FormatFingerprint(crypto.KeyFingerprint(pub)))
	return nil
}
