package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"mlschat/internal/app"
	"mlschat/internal/domain"
)

var (
	// These flags are shared across all commands.
	homeDir    string
	serverURL  string
	username   string
	passphrase string

	// appCtx holds the wired dependencies after PersistentPreRunE.
	appCtx *app.Wire
)

// Execute initialises the application context and runs the root cobra command.
func Execute() error {
	root := &cobra.Command{
		Use:   "mlschat",
		Short: "End-to-end encrypted MLS group chat CLI",
		// Before any sub-command runs we need to build out our Wire (dependencies).
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if homeDir == "" {
				if h, err := os.UserHomeDir(); err == nil {
					homeDir = filepath.Join(h, ".mlschat")
				}
			}
			if err := os.MkdirAll(homeDir, 0o700); err != nil {
				return fmt.Errorf("creating config dir: %w", err)
			}
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			if username == "" {
				return fmt.Errorf("--username required")
			}

			httpClient := &http.Client{
				Timeout: 15 * time.Second,
				Transport: &http.Transport{
					Proxy: http.ProxyFromEnvironment,
					DialContext: (&net.Dialer{
						Timeout:   5 * time.Second,
						KeepAlive: 30 * time.Second,
					}).DialContext,
					TLSHandshakeTimeout:   5 * time.Second,
					ExpectContinueTimeout: 1 * time.Second,
					IdleConnTimeout:       90 * time.Second,
					MaxIdleConns:          100,
					MaxIdleConnsPerHost:   10,
				},
			}

			cfg := app.Config{
				Home:       filepath.Join(homeDir, username),
				ServerURL:  serverURL,
				Passphrase: passphrase,
				HTTP:       httpClient,
			}
			if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
				return fmt.Errorf("creating per-user home: %w", err)
			}

			var err error
			appCtx, err = app.NewWire(cfg)
			if err != nil {
				return fmt.Errorf("initialising application: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&homeDir, "home", "", "config directory (default: $HOME/.mlschat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting your local key material")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	root.PersistentFlags().StringVarP(&username, "username", "u", "", "your username")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		createGroupCmd(),
		inviteCmd(),
		sendCmd(),
		membersCmd(),
		listenCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root.SetContext(ctx)

	return root.Execute()
}

func currentIdentity(ctx context.Context) (domain.Identity, error) {
	return appCtx.IdentityService.LoadOrCreate(ctx, domain.Username(username))
}

// initializedRouter loads the identity and brings the router up
// (registration, transport connect, existing-group resume): the shared
// preamble for every command that sends, invites, or listens.
func initializedRouter(ctx context.Context) (domain.Identity, error) {
	id, err := currentIdentity(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("loading identity: %w", err)
	}
	if err := appCtx.RouterService.Initialize(ctx, id); err != nil {
		return domain.Identity{}, fmt.Errorf("initializing session router: %w", err)
	}
	return id, nil
}
