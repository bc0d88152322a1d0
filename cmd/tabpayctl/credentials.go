package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tab-payment-service/internal/app"
	"tab-payment-service/internal/config"
	"tab-payment-service/internal/kms"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/services"
)

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a credential value with the master key and print the blob as hex",
		Long: `Encrypts one value with MPESA_KMS_MASTER_KEY. With no argument the value is
read from the first line of stdin so it stays out of shell history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			value, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			keys, err := kms.New(cfg.Mpesa.KMSMasterKey)
			if err != nil {
				return err
			}
			defer keys.Close()

			blob, err := keys.EncryptString(value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(blob))
			return nil
		},
	}
}

func addCredentialsCmd() *cobra.Command {
	var (
		tenant, env, shortCode, callbackURL, timeoutURL string
	)
	cmd := &cobra.Command{
		Use:   "add-credentials",
		Short: "Encrypt and store a bar's Daraja credentials",
		Long: `Stores a new active credential row for a bar. The secrets are read from
MPESA_CONSUMER_KEY, MPESA_CONSUMER_SECRET and MPESA_PASSKEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			environment, err := mpesa.ParseEnvironment(env)
			if err != nil {
				return err
			}
			secrets := map[string]string{}
			for _, name := range []string{"MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET", "MPESA_PASSKEY"} {
				v := os.Getenv(name)
				if v == "" {
					return fmt.Errorf("%s is not set", name)
				}
				secrets[name] = v
			}

			return withServices(func(_ *config.Config, svc *app.Services) error {
				input := services.EncryptedCredentialInput{
					TenantID:          tenant,
					Environment:       environment,
					BusinessShortCode: shortCode,
					CallbackURL:       callbackURL,
					TimeoutURL:        timeoutURL,
				}
				for name, dst := range map[string]*[]byte{
					"MPESA_CONSUMER_KEY":    &input.ConsumerKeyEnc,
					"MPESA_CONSUMER_SECRET": &input.ConsumerSecretEnc,
					"MPESA_PASSKEY":         &input.PasskeyEnc,
				} {
					blob, err := svc.KMS.EncryptString(secrets[name])
					if err != nil {
						return err
					}
					*dst = blob
				}

				row, err := svc.Credentials.AddCredentials(context.Background(), input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored credentials %s for %s (%s)\n", row.ID, tenant, environment)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "bar id")
	cmd.Flags().StringVar(&env, "env", string(mpesa.Sandbox), "sandbox or production")
	cmd.Flags().StringVar(&shortCode, "shortcode", "", "business shortcode")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "STK callback URL")
	cmd.Flags().StringVar(&timeoutURL, "timeout-url", "", "optional timeout URL")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("shortcode")
	_ = cmd.MarkFlagRequired("callback-url")
	return cmd
}

func verifyCredentialsCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "verify-credentials [tenant]",
		Short: "Check that a bar's credentials decrypt and validate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			environment, err := mpesa.ParseEnvironment(env)
			if err != nil {
				return err
			}
			return withServices(func(_ *config.Config, svc *app.Services) error {
				report := svc.Credentials.ValidateCredentialsForTenant(context.Background(), args[0], environment)
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if !report.Valid {
					return errors.New("credentials are not usable")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "env", string(mpesa.Sandbox), "sandbox or production")
	return cmd
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read value from stdin: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", errors.New("empty value")
	}
	return value, nil
}
