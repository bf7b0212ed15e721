package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mshirdel/campaign-core/internal/config"
	"github.com/mshirdel/campaign-core/internal/db"
	"github.com/mshirdel/campaign-core/internal/dlr"
	"github.com/mshirdel/campaign-core/internal/kafka"
	"github.com/mshirdel/campaign-core/internal/logger"
	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/mshirdel/campaign-core/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dlrCmd = &cobra.Command{
	Use:   "dlr",
	Short: "Run delivery receipt worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)
		metrics.MustRegister(prometheus.DefaultRegisterer)

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

		receiptsRepo := repository.NewReceiptsRepository(dbx)
		messagesRepo := repository.NewMessagesRepository(dbx)
		campaignsRepo := repository.NewCampaignsRepository(dbx)

		processor := dlr.NewProcessor(receiptsRepo, messagesRepo, campaignsRepo, logger.Log)

		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "campgw"
		}

		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          "dlr.receipts",
			GroupID:        groupID + "-dlr",
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		w := worker.NewDLRWorker(consumer, processor, logger.Log)
		if cfg.DLR.WorkerCount > 0 {
			w.Workers = cfg.DLR.WorkerCount
		}
		if cfg.DLR.BacklogCutoff > 0 {
			w.BacklogCutoff = cfg.DLR.BacklogCutoff
		}
		if cfg.DLR.SweepInterval > 0 {
			w.SweepInterval = cfg.DLR.SweepInterval
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Log.Info("dlr worker started",
			zap.Int("workers", w.Workers),
			zap.Duration("backlog_cutoff", w.BacklogCutoff),
			zap.Duration("sweep_interval", w.SweepInterval))

		return w.Run(ctx)
	},
}
