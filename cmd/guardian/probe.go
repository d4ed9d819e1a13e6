package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/logging"
	"github.com/hamed0406/devopsguardian/internal/probe"
	"github.com/hamed0406/devopsguardian/internal/scheduler"
)

var noRetry bool

var probeCmd = &cobra.Command{
	Use:   "probe [transaction-id]",
	Short: "Run configured transactions once and print the outcome",
	Long: `Runs the full attempt sequence (with retries) of one configured
transaction, or of all of them, without storing results or raising alerts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := logging.NewConsole(cfg.Log.Level)
		if err != nil {
			return err
		}
		defer logger.Sync()

		txs, err := selectTransactions(cfg.TransactionList(), args)
		if err != nil {
			return err
		}
		if noRetry {
			for i := range txs {
				txs[i].MaxRetries = 0
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		runner := probe.NewRetryChecker(probe.NewExecutor(probe.NewHTTPChecker(0), probe.NewDNSChecker()), logger)
		failed := runProbes(ctx, cmd.OutOrStdout(), runner, txs)
		if failed > 0 {
			return fmt.Errorf("%d transaction(s) failed", failed)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().BoolVar(&noRetry, "no-retry", false, "run a single attempt per transaction")
	rootCmd.AddCommand(probeCmd)
}

func selectTransactions(all []domain.Transaction, args []string) ([]domain.Transaction, error) {
	if len(args) == 0 {
		if len(all) == 0 {
			return nil, errors.New("no transactions configured")
		}
		return all, nil
	}
	for _, tx := range all {
		if string(tx.ID) == args[0] {
			return []domain.Transaction{tx}, nil
		}
	}
	return nil, fmt.Errorf("transaction %q is not configured", args[0])
}

// runProbes runs txs one after another and prints a line each. Invalid
// definitions count as failures without being run.
func runProbes(ctx context.Context, w io.Writer, runner scheduler.Runner, txs []domain.Transaction) int {
	fmt.Fprintln(w, bannerStyle.Render("⚡ GUARDIAN PROBE"))
	failed := 0
	for _, tx := range txs {
		name := boldStyle.Render(padRight(string(tx.ID), 24))
		if err := scheduler.Validate(tx); err != nil {
			failed++
			fmt.Fprintf(w, "  %s %s %s\n", name, failStyle.Render("INVALID"), dimStyle.Render(err.Error()))
			continue
		}
		r, err := runner.Run(ctx, tx)
		if err != nil {
			fmt.Fprintf(w, "  %s %s\n", name, warnStyle.Render("ABANDONED"))
			return failed + 1
		}
		status := okStyle.Render(padRight("PASS", 18))
		if r.Outcome.Failed() {
			failed++
			status = failStyle.Render(padRight(string(r.Outcome), 18))
		}
		fmt.Fprintf(w, "  %s %s %s\n", name, status,
			dimStyle.Render(fmt.Sprintf("%dms attempt %d/%d %s", r.DurationMS, r.Attempt, tx.MaxRetries+1, r.Detail)))
	}
	return failed
}
