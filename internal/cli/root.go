// Package cli implements the termbridge command-line client.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/termbridge/termbridge/internal/client"
	"github.com/termbridge/termbridge/internal/config"
)

type options struct {
	url        string
	token      string
	configPath string
}

// NewRootCommand builds the termbridge command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "termbridge",
		Short: "Attach to tmux sessions on a termbridge server",
		Long: `termbridge lists, creates and kills tmux sessions on a termbridge server
and attaches to them over WebSocket, several at a time as tabs.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.url, "url", "", "Server base URL (default from config server.host/port)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "Auth token (if the server requires it)")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		newListCommand(opts),
		newCreateCommand(opts),
		newKillCommand(opts),
		newAttachCommand(opts),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolve loads the config and fills in the server URL and token.
func (o *options) resolve() (*config.Config, string, string, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, "", "", fmt.Errorf("load config: %w", err)
	}
	url := o.url
	if url == "" {
		url = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	token := o.token
	if token == "" {
		token = cfg.Server.AuthToken
	}
	return cfg, url, token, nil
}

func (o *options) directory() (*client.HTTPDirectory, error) {
	_, url, token, err := o.resolve()
	if err != nil {
		return nil, err
	}
	return client.NewHTTPDirectory(url, token), nil
}
