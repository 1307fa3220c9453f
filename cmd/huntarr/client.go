// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/autobrr/huntarr/internal/buildinfo"
	"github.com/autobrr/huntarr/internal/config"
	"github.com/autobrr/huntarr/internal/domain"
)

// apiClient talks to the status API of a running `huntarr serve`.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(base, "/") + "/",
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// serverURL derives the API root from the config; wildcard binds are
// reached through loopback.
func serverURL(conf domain.Config) string {
	host := conf.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	base := conf.BaseURL
	if base == "" {
		base = "/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(conf.Port)) + base
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+"api/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is huntarr running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	configDir string
	url       string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "", "config directory or file used to locate the server")
	cmd.Flags().StringVar(&f.url, "url", "", "server URL, eg http://localhost:9705/ (overrides the config)")
}

func (f *clientFlags) client() (*apiClient, error) {
	if f.url != "" {
		if _, err := url.Parse(f.url); err != nil {
			return nil, fmt.Errorf("invalid --url: %w", err)
		}
		return newAPIClient(f.url), nil
	}

	cfg, err := config.New(f.configDir, buildinfo.Version)
	if err != nil {
		return nil, err
	}
	return newAPIClient(serverURL(cfg.Snapshot())), nil
}

func RunControlCommand(action, short string) *cobra.Command {
	var flags clientFlags

	command := &cobra.Command{
		Use:   action + " <app:name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			key := args[0]
			if err := client.do(cmd.Context(), http.MethodPost, "instances/"+url.PathEscape(key)+"/"+action, nil); err != nil {
				return err
			}
			cmd.Printf("%s: %s ok\n", key, action)
			return nil
		},
	}
	flags.register(command)
	return command
}

func RunReloadCommand() *cobra.Command {
	var flags clientFlags

	command := &cobra.Command{
		Use:   "reload",
		Short: "Ask the running server to re-read its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var resp struct {
				Invalid []struct {
					Instance string   `json:"instance"`
					Problems []string `json:"problems"`
				} `json:"invalid"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "reload", &resp); err != nil {
				return err
			}
			for _, inv := range resp.Invalid {
				cmd.Printf("rejected %s: %s\n", inv.Instance, strings.Join(inv.Problems, "; "))
			}
			cmd.Println("configuration reloaded")
			return nil
		},
	}
	flags.register(command)
	return command
}
