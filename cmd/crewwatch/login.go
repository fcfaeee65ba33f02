package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/crewwatch/apiclient"
	"pkt.systems/crewwatch/internal/credentials"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/kryptograf/keymgmt"
)

func newLoginCmd(cfgPath *string) *cobra.Command {
	var email string
	var passwordFromStdin bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the access token encrypted on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			password, err := resolvePassword(cmd, passwordFromStdin)
			if err != nil {
				return err
			}
			client, err := apiclient.New(apiclient.Config{
				BaseURL: rt.cfg.API.BaseURL,
				Timeout: rt.cfg.API.Timeout(),
				Logger:  rt.log,
			})
			if err != nil {
				return err
			}
			token, err := client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			if err := rt.store.Save(credentials.SessionFromToken(client.BaseURL(), token, time.Now())); err != nil {
				return err
			}
			rt.log.Info("login ok", "user", token.User.Email)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", token.User.Email)
			return err
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().BoolVar(&passwordFromStdin, "password-stdin", false, "read password from stdin")
	return cmd
}

func newLogoutCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if client, err := rt.api(); err == nil {
				if err := client.Logout(cmd.Context()); err != nil && !errors.Is(err, schema.ErrMissingCredential) {
					rt.log.Debug("logout request failed", "err", err)
				}
			}
			if err := rt.store.Remove(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return err
		},
	}
}

func newWhoamiCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			client, err := rt.api()
			if err != nil {
				return err
			}
			user, err := client.Me(cmd.Context())
			if err != nil {
				if errors.Is(err, schema.ErrMissingCredential) {
					return errors.New("not logged in; run crewwatch login")
				}
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s (%s)\n", user.Email, user.ID)
			if user.FullName != "" {
				_, _ = fmt.Fprintf(out, "name: %s\n", user.FullName)
			}
			if user.Role != "" {
				_, _ = fmt.Fprintf(out, "role: %s\n", user.Role)
			}
			return nil
		},
	}
}

func resolvePassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	if fromStdin || !isTerminal(in) {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", err
		}
		pass := strings.TrimRight(string(data), "\r\n")
		if pass == "" {
			return "", errors.New("password from stdin is empty")
		}
		return pass, nil
	}
	passphrase, err := keymgmt.PromptPassphrase(in, "Password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	if len(passphrase) == 0 {
		return "", errors.New("password is empty")
	}
	return string(passphrase), nil
}

func isTerminal(r io.Reader) bool {
	file, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}
