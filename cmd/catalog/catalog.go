// Package catalog provides catalog seeding and cache commands
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafwatch/leafwatch/internal/app"
	"github.com/leafwatch/leafwatch/internal/buildinfo"
	"github.com/leafwatch/leafwatch/internal/catalog"
	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/httpclient"
)

// Command creates the catalog command group
func Command(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Plant and disease catalog",
	}

	cmd.AddCommand(
		seedCommand(settings, info),
		statsCommand(settings, info),
		refreshCommand(settings, info),
	)
	return cmd
}

func seedCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [catalog.yaml]",
		Short: "Insert or update plants and diseases from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open seed file: %w", err)
			}
			defer func() { _ = f.Close() }()

			file, err := catalog.ParseSeed(f)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), settings, info)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := catalog.Seed(cmd.Context(), a.Store, file)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
		},
	}
}

func statsCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print how many catalog entries the resolver loads",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), settings, info)
			if err != nil {
				return err
			}
			defer a.Close()

			return json.NewEncoder(cmd.OutOrStdout()).Encode(a.Resolver.Stats())
		},
	}
}

// refreshCommand asks a running server to reload its resolver cache; a
// fresh process always starts with a fresh cache
func refreshCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Reload the resolver cache of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := httpclient.New(&httpclient.Config{
				DefaultTimeout: 30 * time.Second,
				UserAgent:      "leafwatch-cli/" + info.GetVersion(),
			})
			defer client.Close()

			url := strings.TrimRight(server, "/") + "/api/v2/catalog/cache/refresh"
			resp, err := client.Post(cmd.Context(), url, "", nil)
			if err != nil {
				return fmt.Errorf("refresh request failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return err
		},
	}

	cmd.Flags().StringVar(&server, "server", localServerURL(settings.WebServer.Listen), "Base URL of the running server")
	return cmd
}

func localServerURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}
