package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/building-console/config"
	"github.com/feichai0017/building-console/internal/apiclient"
	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares.
type app struct {
	cfg      *config.ClientConfig
	apiURL   string
	token    string
	logLevel string

	log    logger.Logger
	client *apiclient.Client
}

func newRootCommand() *cobra.Command {
	a := &app{cfg: config.GetClientConfig()}

	cmd := &cobra.Command{
		Use:           "console",
		Short:         "Operator console for building artifacts and live changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	cmd.PersistentFlags().StringVar(&a.apiURL, "api", a.cfg.APIBaseURL, "Base URL of the building API")
	cmd.PersistentFlags().StringVar(&a.token, "token", a.cfg.APIToken, "Bearer token for the building API")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", a.cfg.LogLevel, "Log level (debug, info, warn, error)")

	cmd.AddCommand(newUploadCommand(a))
	cmd.AddCommand(newImportBIMCommand(a))
	cmd.AddCommand(newWatchCommand(a))
	return cmd
}

func (a *app) init() error {
	log, err := logger.NewLogger(
		logger.WithLevel(a.logLevel),
		logger.WithEncoding("console"),
		logger.WithOutputPaths([]string{"logs/console.log"}),
	)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.log = log
	a.client = apiclient.New(a.apiURL, a.token,
		apiclient.WithLogger(log),
		apiclient.WithHTTPClient(newHTTPClient(a.cfg.HTTPTimeout)),
	)
	return nil
}

func (a *app) policy(kind models.SubmissionKind) (validator.Policy, error) {
	raw, err := config.LoadPolicies(a.cfg.PolicyFile)
	if err != nil {
		return validator.Policy{}, err
	}
	p, ok := validator.PoliciesFrom(raw)[kind]
	if !ok {
		return validator.Policy{}, fmt.Errorf("no upload policy for %s", kind)
	}
	return p, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
