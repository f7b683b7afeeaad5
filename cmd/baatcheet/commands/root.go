// Package commands implements the baatcheet client CLI.
package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"baatcheet/client"
	"baatcheet/config"
	"baatcheet/logging"

	"github.com/spf13/cobra"
	gologging "gopkg.in/op/go-logging.v1"
)

// app is the per-invocation device state shared by subcommands.
type app struct {
	home     string
	relayURL string
	logLevel string

	cfg      *config.DeviceConfig
	api      *client.API
	identity *client.Identity
	log      *gologging.Logger
}

// Execute runs the CLI with os.Args. SIGINT and SIGTERM cancel the command
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "baatcheet",
		Short:        "End-to-end encrypted room chat client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.home, "home", "", "device data dir (default OS config dir, or $BAATCHEET_CLIENT_DIR)")
	root.PersistentFlags().StringVar(&a.relayURL, "relay", "", "relay base URL, saved for later runs (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "ERROR", "client log level")

	root.AddCommand(
		registerCmd(a),
		loginCmd(a),
		logoutCmd(a),
		meCmd(a),
		keysCmd(a),
		roomCmd(a),
		dmCmd(a),
		sendCmd(a),
		sendFileCmd(a),
		historyCmd(a),
		listenCmd(a),
		discoverCmd(a),
	)
	return root
}

func (a *app) load() error {
	if a.home == "" {
		dir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		a.home = dir
	}

	cfg, cfgPath, err := config.LoadOrCreateAt(a.home)
	if err != nil {
		return err
	}
	if a.relayURL != "" {
		cfg.RelayURL = strings.TrimRight(strings.TrimSpace(a.relayURL), "/")
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
	}

	backend, err := logging.New("", a.logLevel, false)
	if err != nil {
		return err
	}
	a.log = backend.GetLogger("client")

	a.identity, err = client.LoadIdentity(cfg, cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.api = client.NewAPI(cfg.RelayURL, nil)
	a.api.SetToken(cfg.Token)
	return nil
}

// requireLogin fails unless a session token is stored.
func (a *app) requireLogin() error {
	if !a.cfg.LoggedIn() {
		return errors.New("not logged in, run `baatcheet login` first")
	}
	return nil
}

// session returns an unconnected session for the logged-in device.
func (a *app) session(mediaDownloads bool) (*client.Session, error) {
	if err := a.requireLogin(); err != nil {
		return nil, err
	}
	opts := client.SessionOptions{}
	if mediaDownloads {
		opts.MediaDir = config.MediaDir(a.home)
	}
	return client.NewSession(a.api, a.identity, a.log, opts)
}

// password reads the password from the flag, $BAATCHEET_PASSWORD or the
// first line of stdin.
func password(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("BAATCHEET_PASSWORD"); env != "" {
		return env, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password required")
	}
	return line, nil
}
