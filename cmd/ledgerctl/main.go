// ledgerctl is an operator CLI for the ledger-service HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/pkg/ledgerclient"
)

var Version = "dev"

type globalFlags struct {
	url     string
	key     string
	timeout time.Duration
}

func main() {
	_ = godotenv.Load()

	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the tuition ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.url, "url", envOr("LEDGER_URL", "http://localhost:8080"), "ledger-service base URL")
	rootCmd.PersistentFlags().StringVar(&flags.key, "internal-key", os.Getenv("INTERNAL_API_KEY"), "internal API key")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(registerCmd(flags))
	rootCmd.AddCommand(balanceCmd(flags))
	rootCmd.AddCommand(payTuitionCmd(flags))
	rootCmd.AddCommand(settleCmd(flags))
	rootCmd.AddCommand(getCmd(flags))
	rootCmd.AddCommand(lookupCmd(flags))
	rootCmd.AddCommand(reverseCmd(flags))
	rootCmd.AddCommand(reconcileCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (f *globalFlags) client() (*ledgerclient.Client, error) {
	if f.key == "" {
		return nil, fmt.Errorf("internal API key is required (--internal-key or INTERNAL_API_KEY)")
	}
	return ledgerclient.New(f.url, f.key), nil
}

func (f *globalFlags) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), f.timeout)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func registerCmd(flags *globalFlags) *cobra.Command {
	var secret, initial string
	cmd := &cobra.Command{
		Use:   "register [account]",
		Short: "Register an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			balance, err := decimal.NewFromString(initial)
			if err == nil {
				err = domain.ValidateInitialBalance(balance)
			}
			if err != nil {
				return fmt.Errorf("initial balance: %w", domain.ErrInvalidAmount)
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			resp, err := client.Register(ctx, domain.RegisterRequest{AccountNumber: args[0], Secret: secret, InitialBalance: &balance})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "account secret")
	cmd.Flags().StringVar(&initial, "initial-balance", "5000", "opening balance")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func balanceCmd(flags *globalFlags) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "balance [account]",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			resp, err := client.Balance(ctx, args[0], secret)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "account secret")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func payTuitionCmd(flags *globalFlags) *cobra.Command {
	var secret, instructor, price, description, key string
	cmd := &cobra.Command{
		Use:   "pay-tuition [learner]",
		Short: "Debit a learner and record the instructor obligation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			amount, err := domain.ParseAmount(price)
			if err != nil {
				return fmt.Errorf("price: %w", err)
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			resp, err := client.PayTuition(ctx, domain.TuitionPaymentRequest{
				LearnerAccount:    args[0],
				Secret:            secret,
				InstructorAccount: instructor,
				Price:             amount,
				Description:       description,
			}, key)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "learner secret")
	cmd.Flags().StringVar(&instructor, "instructor", "", "instructor account")
	cmd.Flags().StringVar(&price, "price", "", "course price")
	cmd.Flags().StringVar(&description, "description", "", "journal description")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "makes the payment safe to retry")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("instructor")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func settleCmd(flags *globalFlags) *cobra.Command {
	var secret, account string
	cmd := &cobra.Command{
		Use:   "settle [transaction-id]",
		Short: "Settle a pending obligation as its recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("transaction id: %w", err)
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			resp, err := client.SettleTransfer(ctx, domain.SettleTransferRequest{TransactionID: id, ToAccount: account, Secret: secret})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "recipient account")
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "recipient secret")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func getCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get [transaction-id]",
		Short: "Show a journal record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("transaction id: %w", err)
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			record, err := client.Transaction(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
}

func lookupCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup [idempotency-key]",
		Short: "Find the journal record committed under an idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			record, err := client.TransactionByIdempotencyKey(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
}

func reverseCmd(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reverse [debit-transaction-id]",
		Short: "Refund a debit whose obligation was never recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("transaction id: %w", err)
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			resp, err := client.ReversePayment(ctx, id, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator reversal", "reversal reason")
	return cmd
}

func reconcileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Show the latest reconciliation report",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd)
			defer cancel()
			report, err := client.Reconciliation(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("ledger reconciliation found problems")
			}
			return nil
		},
	}
}
