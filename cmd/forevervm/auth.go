package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jamsocket/forevervm/internal/client"
	"github.com/jamsocket/forevervm/internal/config"
	"github.com/jamsocket/forevervm/internal/protocol"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		baseURL   string
		tokenFile string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API token after checking it with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}

			current := cfg.ServerURL
			if current == "" {
				current = client.DefaultBaseURL
			}
			if cfg.Token != "" {
				if current == baseURL {
					existing, err := client.New(client.Config{BaseURL: baseURL, Token: cfg.Token, Logger: a.logger})
					if err != nil {
						return err
					}
					who, err := existing.Whoami(cmd.Context())
					if err == nil {
						fmt.Fprintf(a.stdout, "Already logged in as %s\n", nameStyle.Render(who.Account))
						return nil
					}
					fmt.Fprintf(a.stdout, "The existing token gives an error: %v\nIt will be replaced.\n", err)
				} else {
					fmt.Fprintln(a.stdout, "There is an existing token for another server. It will be replaced.")
				}
			}

			raw, err := a.readToken(tokenFile)
			if err != nil {
				return err
			}
			token, err := protocol.ParseAPIToken(raw)
			if err != nil {
				return err
			}

			c, err := client.New(client.Config{BaseURL: baseURL, Token: token.String(), Logger: a.logger})
			if err != nil {
				return err
			}
			who, err := c.Whoami(cmd.Context())
			if err != nil {
				return err
			}

			cfg.Token = token.String()
			cfg.ServerURL = baseURL
			if err := config.Save(a.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Logged in as %s\n", nameStyle.Render(who.Account))
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "api-base-url", client.DefaultBaseURL, "API server to log in to")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "read the token from a file instead of prompting ('-' for stdin)")
	return cmd
}

// readToken reads the token from a file, from a terminal prompt with echo
// off, or from the first line of a piped stdin.
func (a *app) readToken(tokenFile string) (string, error) {
	if tokenFile != "" && tokenFile != "-" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", tokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if f, ok := a.stdin.(*os.File); ok && tokenFile == "" && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.stderr, "Enter your token: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading token: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return "", fmt.Errorf("no token given on stdin")
	}
	return strings.TrimSpace(line), nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if cfg.Token == "" {
				fmt.Fprintln(a.stdout, "Not currently logged in")
				return nil
			}
			cfg.Token = ""
			if err := config.Save(a.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "Successfully logged out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the account the stored token belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.loggedInClient()
			if err != nil {
				return err
			}
			who, err := c.Whoami(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Logged in to %s as %s\n", urlStyle.Render(c.BaseURL()), nameStyle.Render(who.Account))
			return nil
		},
	}
}
