package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mshirdel/campaign-core/internal/config"
	"github.com/mshirdel/campaign-core/internal/db"
	"github.com/mshirdel/campaign-core/internal/logger"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/mshirdel/campaign-core/internal/rollup"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Run periodic usage rollup (counter resets, subscription expiry)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)

		dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		subsRepo := repository.NewSubscriptionsRepository(dbx)
		r := rollup.New(subsRepo, cfg.Rollup.Interval, logger.Log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Log.Info("rollup worker started", zap.Duration("interval", cfg.Rollup.Interval))

		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
