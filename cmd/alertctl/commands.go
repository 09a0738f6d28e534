package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/linnemanlabs/clinalert/internal/alerting/pgstore"
	"github.com/linnemanlabs/clinalert/internal/postgres"
)

// apiClient returns a resty client for the configured server.
func apiClient(s *settings) (*resty.Client, error) {
	if s.Server == "" {
		return nil, errors.New("server is required")
	}
	c := resty.New().
		SetBaseURL(s.Server).
		SetTimeout(s.Timeout).
		SetHeader("Accept", "application/json")
	if s.Token != "" {
		c.SetAuthToken(s.Token)
	}
	return c, nil
}

// printResponse pretty-prints a JSON body, or returns the server's error.
func printResponse(out io.Writer, resp *resty.Response) error {
	if resp.IsError() {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode(), e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode())
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Body(), "", "  "); err != nil {
		_, err = out.Write(resp.Body())
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

// apiCommand wires the shared settings and client into a RunE.
func apiCommand(v *viper.Viper, do func(cmd *cobra.Command, c *resty.Client, args []string) (*resty.Response, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(v)
		if err != nil {
			return err
		}
		c, err := apiClient(s)
		if err != nil {
			return err
		}
		resp, err := do(cmd, c, args)
		if err != nil {
			return err
		}
		return printResponse(cmd.OutOrStdout(), resp)
	}
}

func sweepCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one SLA sweep now and print the escalated alerts",
		Args:  cobra.NoArgs,
		RunE: apiCommand(v, func(cmd *cobra.Command, c *resty.Client, _ []string) (*resty.Response, error) {
			return c.R().SetContext(cmd.Context()).Post("/api/v1/sla/sweep")
		}),
	}
}

func windowParams(cmd *cobra.Command) map[string]string {
	days, _ := cmd.Flags().GetInt("days")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	params := map[string]string{}
	if from != "" || to != "" {
		if from != "" {
			params["from"] = from
		}
		if to != "" {
			params["to"] = to
		}
		return params
	}
	params["days"] = strconv.Itoa(days)
	return params
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().Int("days", 30, "trailing window in days (1..366)")
	cmd.Flags().String("from", "", "window start, RFC 3339 (overrides --days)")
	cmd.Flags().String("to", "", "window end, RFC 3339 (default now)")
}

func dashboardCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Print dashboard metrics for a window",
		Args:  cobra.NoArgs,
		RunE: apiCommand(v, func(cmd *cobra.Command, c *resty.Client, _ []string) (*resty.Response, error) {
			return c.R().SetContext(cmd.Context()).
				SetQueryParams(windowParams(cmd)).
				Get("/api/v1/analytics/dashboard")
		}),
	}
	addWindowFlags(cmd)
	return cmd
}

func populationCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "population",
		Short: "Print population analytics, optionally grouped",
		Args:  cobra.NoArgs,
		RunE: apiCommand(v, func(cmd *cobra.Command, c *resty.Client, _ []string) (*resty.Response, error) {
			params := windowParams(cmd)
			if g, _ := cmd.Flags().GetString("group-by"); g != "" {
				params["group_by"] = g
			}
			return c.R().SetContext(cmd.Context()).
				SetQueryParams(params).
				Get("/api/v1/analytics/population")
		}),
	}
	addWindowFlags(cmd)
	cmd.Flags().String("group-by", "", "category, priority or status")
	return cmd
}

func eventsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "events ALERT_ID",
		Short: "Print an alert's workflow event log",
		Args:  cobra.ExactArgs(1),
		RunE: apiCommand(v, func(cmd *cobra.Command, c *resty.Client, args []string) (*resty.Response, error) {
			return c.R().SetContext(cmd.Context()).
				SetPathParam("id", args[0]).
				Get("/api/v1/alerts/{id}/events")
		}),
	}
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the alert store schema to PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			if s.DatabaseURL == "" {
				return errors.New("database-url is required")
			}
			pool, err := postgres.NewPool(cmd.Context(), postgres.PoolConfig{URL: s.DatabaseURL, MaxConns: 1})
			if err != nil {
				return err
			}
			store := pgstore.New(pool)
			defer store.Close()
			if err := store.Migrate(postgres.WithJob(cmd.Context(), "migrate")); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		},
	}
}
