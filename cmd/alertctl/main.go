// Alertctl is the operator CLI for a running clinalert service: manual SLA
// sweeps, analytics snapshots, alert audit trails and schema migration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "CLINALERT"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// settings are resolved per invocation from flags, CLINALERT_* env vars and
// an optional config file, in that order of precedence.
type settings struct {
	Server      string
	Token       string
	DatabaseURL string
	Timeout     time.Duration
}

func loadSettings(v *viper.Viper) (*settings, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	s := &settings{
		Server:      strings.TrimRight(v.GetString("server"), "/"),
		Token:       v.GetString("token"),
		DatabaseURL: v.GetString("database-url"),
		Timeout:     v.GetDuration("timeout"),
	}
	if s.Timeout <= 0 {
		return nil, fmt.Errorf("invalid timeout %s (must be > 0)", s.Timeout)
	}
	return s, nil
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "alertctl",
		Short:        "Operate a clinalert service",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("server", "http://localhost:8080", "clinalert API base URL")
	pf.String("token", "", "bearer token (JWT or static API token)")
	pf.String("database-url", "", "PostgreSQL URL, used by migrate")
	pf.Duration("timeout", 30*time.Second, "request timeout")
	_ = v.BindPFlags(pf)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		sweepCmd(v),
		dashboardCmd(v),
		populationCmd(v),
		eventsCmd(v),
		migrateCmd(v),
	)
	return root
}
