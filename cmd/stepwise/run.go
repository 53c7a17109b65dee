package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/dispatch"
	"github.com/mohammad-safakhou/stepwise/internal/memory"
	"github.com/mohammad-safakhou/stepwise/internal/runner"
	"github.com/mohammad-safakhou/stepwise/internal/telemetry"
	"github.com/mohammad-safakhou/stepwise/provider"
	"github.com/mohammad-safakhou/stepwise/tools/corpus"
	"github.com/mohammad-safakhou/stepwise/tools/webfetch"
	"github.com/mohammad-safakhou/stepwise/tools/websearch"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var showSteps bool
	var run = &cobra.Command{
		Use:   "run [query]",
		Short: "Execute a single query and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			backends := []dispatch.Backend{
				websearch.New(cfg.Tools.WebSearch),
				webfetch.New(cfg.Tools.WebFetch),
				corpus.New(cfg.Tools.Corpus),
			}
			dispatcher := dispatch.NewDispatcher(ctx, backends, nil)

			tel := telemetry.NewTelemetry(cfg.Telemetry)
			defer tel.Shutdown()

			oracle, err := provider.NewOracle(cfg.LLM, tel)
			if err != nil {
				return fmt.Errorf("oracle: %w", err)
			}

			mem := memory.NewInMemoryStore()
			r := runner.New(cfg, oracle, dispatcher, mem, tel, nil)

			sess, err := r.Run(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			if showSteps {
				records, err := mem.Read(ctx, sess.ID)
				if err == nil {
					for _, rec := range records {
						fmt.Printf("step %d [%s] attempts=%d\n", rec.StepIndex, rec.Outcome, rec.Attempts)
					}
				}
			}
			fmt.Printf("status: %s\n", sess.Status)
			if sess.Failure != "" {
				fmt.Printf("failure: %s\n", sess.Failure)
			}
			fmt.Println(sess.Answer)
			return nil
		},
	}
	run.Flags().BoolVar(&showSteps, "steps", false, "print per-step outcomes")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}
