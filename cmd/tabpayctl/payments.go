package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"tab-payment-service/internal/app"
	"tab-payment-service/internal/config"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/worker"
)

func sweepTimeoutsCmd() *cobra.Command {
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "sweep-timeouts",
		Short: "Move transactions stuck in sent past the timeout to timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if enqueue {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr})
				defer client.Close()
				info, err := worker.EnqueueTimeoutSweep(context.Background(), client)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued sweep task %s on %s\n", info.ID, info.Queue)
				return nil
			}

			return withServices(func(_ *config.Config, svc *app.Services) error {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				ctx, _ = logging.EnsureCorrelationID(ctx)
				moved, err := svc.Machine.HandleTransactionTimeouts(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "timed out %d transaction(s)\n", moved)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "hand the sweep to a worker instead of running it here")
	return cmd
}

func rollbackPaymentCmd() *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "rollback-payment [payment-id]",
		Short: "Reverse a settled tab payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(_ *config.Config, svc *app.Services) error {
				ctx, _ := logging.EnsureCorrelationID(context.Background())
				if err := svc.Sync.RollbackPayment(ctx, args[0], reason, actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payment %s reversed\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the payment is reversed")
	cmd.Flags().StringVar(&actor, "actor", "tabpayctl", "who is reversing it")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [tab-id]",
		Short: "Show a tab's orders, payments and outstanding balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(_ *config.Config, svc *app.Services) error {
				balance, err := svc.Sync.GetTabBalance(context.Background(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, balance)
			})
		},
	}
}
