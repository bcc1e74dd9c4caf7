package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/journal"
	"relaybot/internal/notify"
	"relaybot/internal/provider"
	"relaybot/internal/telegram"

	"github.com/spf13/cobra"
)

const checkTimeout = 10 * time.Second

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check config, backend, Bot API and journal",
		Long: `Verifies that relaybot's configuration loads, that the Ollama backend and
the Telegram Bot API answer, and that the journal database is writable.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("relaybot status v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			ctx := cmd.Context()

			backend := provider.NewOllama(provider.OllamaConfig{
				APIBase:      cfg.Backend.APIBase,
				DefaultModel: cfg.Backend.Model,
				Timeout:      checkTimeout,
				Logger:       logger,
			})
			if err := withTimeout(ctx, backend.Healthy); err != nil {
				r.fail("Backend", fmt.Sprintf("%s: %v", cfg.Backend.APIBase, err))
			} else {
				r.pass("Backend", fmt.Sprintf("%s (model %s)", cfg.Backend.APIBase, backend.Model()))
			}

			if err := config.RequireToken(cfg); err != nil {
				r.fail("Bot API", err.Error())
			} else {
				tg := telegram.NewClient(telegram.ClientConfig{
					Token:   cfg.Telegram.Token,
					APIBase: cfg.Telegram.APIBase,
					Logger:  logger,
				})
				idCtx, cancel := context.WithTimeout(ctx, checkTimeout)
				me, err := tg.Identify(idCtx)
				cancel()
				if err != nil {
					r.fail("Bot API", err.Error())
				} else {
					r.pass("Bot API", fmt.Sprintf("@%s (id %d)", me.Username, me.ID))
				}
			}

			if cfg.Journal.Enabled {
				if err := checkJournal(ctx, cfg.Journal.DBPath); err != nil {
					r.fail("Journal", err.Error())
				} else {
					r.pass("Journal", cfg.Journal.DBPath)
				}
			}

			if cfg.Notify.Enabled {
				pub, err := notify.NewAMQP(cfg.Notify.URL, cfg.Notify.Exchange, logger)
				if err != nil {
					r.fail("Notifier", err.Error())
				} else {
					pub.Close()
					r.pass("Notifier", "exchange "+cfg.Notify.Exchange)
				}
			}

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			if err := checkPort(addr); err != nil {
				r.warn("Webhook port", fmt.Sprintf("%s may be in use: %v", addr, err))
			} else {
				r.pass("Webhook port", addr+" available")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return fn(ctx)
}

// checkJournal opens the journal, which creates and migrates it, and reads
// from it once.
func checkJournal(ctx context.Context, dbPath string) error {
	j, err := journal.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if _, err := j.Recent(ctx, 1, false); err != nil {
		return fmt.Errorf("cannot read: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
