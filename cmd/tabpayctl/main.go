package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tab-payment-service/internal/app"
	"tab-payment-service/internal/config"
	"tab-payment-service/internal/database"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/repository"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "tabpayctl",
		Short:         "Operator tool for the tab payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(addCredentialsCmd())
	rootCmd.AddCommand(verifyCredentialsCmd())
	rootCmd.AddCommand(sweepTimeoutsCmd())
	rootCmd.AddCommand(rollbackPaymentCmd())
	rootCmd.AddCommand(balanceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel, cfg.Env)
	return cfg, nil
}

// withServices connects to the database and hands the wired services to fn.
// Settlement retries are not queued from the CLI.
func withServices(fn func(cfg *config.Config, svc *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	svc, err := app.Build(app.Dependencies{Config: cfg, Store: repository.NewGormStore(db)})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(cfg, svc)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
