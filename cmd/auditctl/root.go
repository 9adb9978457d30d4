package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"regaudit-go/internal/app"
	"regaudit-go/internal/config"
	"regaudit-go/pkg/log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auditctl",
		Short: "Maintain the regulatory index used by the compliance audit service",
		Long: `auditctl ingests regulation documents from local disk, rebuilds the
vector index from the metadata store and reports whether the two stores agree.

It shares the service configuration file, so it operates on the same
metadata database and index file as the running server.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(logLevel, "console", "")
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newIngestCmd(),
		newReindexCmd(),
		newCheckCmd(),
		newStatusCmd(),
		newEntitiesCmd(),
		newTokenCmd(),
	)
	return cmd
}

// withApp 加载配置并初始化组件，fn 返回后释放连接。
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
