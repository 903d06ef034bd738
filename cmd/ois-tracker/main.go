package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emribilemir/atlas-ois-tracker/internal/captcha"
	"github.com/emribilemir/atlas-ois-tracker/internal/frontend"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
	"github.com/emribilemir/atlas-ois-tracker/internal/telegram"
	"github.com/emribilemir/atlas-ois-tracker/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOpts struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	root := &cobra.Command{
		Use:           "ois-tracker",
		Short:         "Watch the OIS exam results page and report grade changes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML config file (optional)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newCheckCmd(opts))
	root.AddCommand(newCaptchaCmd(opts))
	return root
}

func newRunCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor with the Telegram bot and optional dashboard",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ring := setupLogging(cfg.Log.BufferLines)

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				sinks monitor.MultiSink
				wg    sync.WaitGroup
			)

			if cfg.Telegram.Enabled {
				bot, err := telegram.New(cfg.Telegram, a.monitor, ring, cfg.Log.BufferLines)
				if err != nil {
					return err
				}
				sinks = append(sinks, bot)
				wg.Add(1)
				go func() {
					defer wg.Done()
					bot.Run(ctx)
				}()
			}

			if cfg.Server.Enabled {
				b := ws.NewBroadcaster(a.monitor.Status, cfg.Server.StatusInterval, cfg.Server.MaxConnections)
				srv := ws.NewServer(cfg.Server, a.monitor, b, ring)
				if cfg.Server.Dashboard {
					srv.ServeDashboard(frontend.Handler())
				}
				sinks = append(sinks, b)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := srv.ListenAndServe(ctx); err != nil {
						log.Printf("[ws] server error: %v", err)
						stop()
					}
				}()
			}

			a.monitor.SetSink(sinks)
			a.monitor.Start(ctx)

			log.Println("Shutting down...")
			wg.Wait()
			return nil
		},
	}
}

func newCheckCmd(opts *globalOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one check cycle and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg.Telegram.Enabled = false
			cfg.Monitor.StartPaused = false
			cfg.Monitor.ResourceLogInterval = 0
			if err := cfg.Validate(); err != nil {
				return err
			}

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := a.monitor.Check(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			switch {
			case res.Baseline:
				_, _ = fmt.Fprintf(out, "baseline saved: %d records\n", res.Records)
			case len(res.Changes) == 0:
				_, _ = fmt.Fprintf(out, "no changes (%d records)\n", res.Records)
			default:
				for _, c := range res.Changes {
					_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%s -> %s\n", c.Kind, c.Key.CourseID, c.Key.Component, c.Previous, c.Current)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newCaptchaCmd(opts *globalOpts) *cobra.Command {
	var debugDir string
	cmd := &cobra.Command{
		Use:   "captcha <image>",
		Short: "Run the CAPTCHA solver on an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if debugDir != "" {
				cfg.Captcha.DebugDir = debugDir
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			text := captcha.NewTesseract(cfg.Captcha).Solve(ctx, data)
			if text == "" {
				return fmt.Errorf("no usable reading for %s", args[0])
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&debugDir, "debug-dir", "", "write the original and preprocessed images here")
	return cmd
}
