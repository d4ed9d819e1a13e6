package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/hamed0406/devopsguardian/internal/config"
	"github.com/hamed0406/devopsguardian/internal/scheduler"
)

var validateCmd = &cobra.Command{
	Use:     "validate",
	Short:   "Check the configuration and every transaction definition",
	Aliases: []string{"check", "preflight"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveConfigPath(configPath)
		cfg, err := config.Load(path)
		if err != nil {
			printFindings(cmd.OutOrStdout(), []finding{{severity: sevError, field: "config", msg: err.Error()}})
			return err
		}
		fs := preflight(cfg)
		printFindings(cmd.OutOrStdout(), fs)
		if n := countSeverity(fs, sevError); n > 0 {
			return fmt.Errorf("%d error(s) in configuration", n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

type severity int

const (
	sevOK severity = iota
	sevWarn
	sevError
)

type finding struct {
	severity severity
	field    string
	msg      string
}

// preflight reports every problem at once; it never stops at the first.
func preflight(cfg *config.Config) []finding {
	var out []finding
	add := func(sev severity, field, format string, args ...any) {
		out = append(out, finding{severity: sev, field: field, msg: fmt.Sprintf(format, args...)})
	}

	add(sevOK, "api.addr", "%s", cfg.API.Addr)
	if len(cfg.API.AllowedOrigins) == 0 {
		add(sevWarn, "api.allowed_origins", "empty; every origin is allowed")
	}

	switch cfg.Storage.Driver {
	case "memory":
		add(sevWarn, "storage.driver", "memory; history and alert state are lost on restart")
	case "postgres":
		add(sevOK, "storage.driver", "postgres")
	default:
		add(sevOK, "storage.driver", "sqlite at %s", cfg.Storage.DSN)
	}

	if sinks := cfg.Capabilities().Enabled(); len(sinks) == 0 {
		add(sevWarn, "notify", "no sinks configured; status changes are only logged")
	} else {
		add(sevOK, "notify", "%s", strings.Join(sinks, ", "))
	}
	if cfg.Archive.Enabled {
		add(sevOK, "archive", "s3://%s/%s", cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	txs := cfg.TransactionList()
	if len(txs) == 0 {
		add(sevWarn, "transactions", "none configured")
	}
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		field := "transactions." + string(tx.ID)
		if err := scheduler.Validate(tx); err != nil {
			for _, e := range multierr.Errors(err) {
				add(sevError, field, "%v", e)
			}
			continue
		}
		if seen[string(tx.ID)] {
			add(sevError, field, "duplicate id")
			continue
		}
		seen[string(tx.ID)] = true
		if tx.SchedulingRisk() {
			add(sevWarn, field, "worst case %s exceeds interval %s; ticks will be skipped",
				tx.WorstCase(), tx.CheckInterval)
			continue
		}
		add(sevOK, field, "%s every %s", tx.Type, tx.CheckInterval)
	}
	return out
}

func countSeverity(fs []finding, sev severity) int {
	n := 0
	for _, f := range fs {
		if f.severity == sev {
			n++
		}
	}
	return n
}

func printFindings(w io.Writer, fs []finding) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, bannerStyle.Render("⚡ GUARDIAN VALIDATE"))
	for _, f := range fs {
		var mark string
		switch f.severity {
		case sevError:
			mark = failStyle.Render("✖")
		case sevWarn:
			mark = warnStyle.Render("⚠")
		default:
			mark = okStyle.Render("✔")
		}
		fmt.Fprintf(w, "  %s %s %s\n", mark, boldStyle.Render(padRight(f.field, 28)), f.msg)
	}

	errs, warns := countSeverity(fs, sevError), countSeverity(fs, sevWarn)
	if errs > 0 {
		fmt.Fprintln(w, errorBox.Render(fmt.Sprintf("%d error(s), %d warning(s)", errs, warns)))
		return
	}
	fmt.Fprintln(w, successBox.Render(fmt.Sprintf("preflight passed, %d warning(s)", warns)))
}
