// Conveyor CLI — отправка графов задач и чтение результатов.
//
// Использование:
//
//	conveyor [--broker-url URL] [--backend-url URL] [--json] <command> [flags]
//
// Команды:
//
//	submit   Отправить JSON-граф или демо (--demo chain --local)
//	freeze   Показать id графа без отправки
//	result   status, get, parents
//	group    Восстановить группу
//	revoke   Отменить invocation или группу
//	purge    Удалить устаревшие результаты
//	tasks    Список зарегистрированных задач
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/cli"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var envFiles []string
	var brokerURL, backendURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — distributed task graphs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Load variables from .env files (default: ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker-url", "", "Broker URL (overrides CONVEYOR_BROKER_URL)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend-url", "", "Result backend URL (overrides CONVEYOR_BACKEND_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	appFn := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return nil, err
		}
		if brokerURL != "" {
			cfg.BrokerURL = brokerURL
		}
		if backendURL != "" {
			cfg.BackendURL = backendURL
		}

		// Логи CLI идут в stderr и по умолчанию только с WARN.
		level := slog.LevelWarn
		if cfg.LogLevel != "" {
			level = telemetry.ParseLevel(cfg.LogLevel)
		}
		logger := telemetry.NewLogger(os.Stderr, level, "text")

		return app.New(ctx, cfg, app.Options{Logger: logger})
	}
	outputFn := func(cmd *cobra.Command) *cli.Output {
		return cli.NewOutput(jsonOutput, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}

	rootCmd.AddCommand(
		cli.NewSubmitCmd(appFn, outputFn),
		cli.NewFreezeCmd(appFn, outputFn),
		cli.NewResultCmd(appFn, outputFn),
		cli.NewGroupCmd(appFn, outputFn),
		cli.NewRevokeCmd(appFn, outputFn),
		cli.NewPurgeCmd(appFn, outputFn),
		cli.NewTasksCmd(appFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
