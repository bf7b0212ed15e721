package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mshirdel/campaign-core/internal/campaign"
	"github.com/mshirdel/campaign-core/internal/config"
	"github.com/mshirdel/campaign-core/internal/db"
	"github.com/mshirdel/campaign-core/internal/dispatcher"
	"github.com/mshirdel/campaign-core/internal/kafka"
	"github.com/mshirdel/campaign-core/internal/logger"
	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/mshirdel/campaign-core/internal/retry"
	"github.com/mshirdel/campaign-core/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Start sender worker (sms | whatsapp)",
}

var senderSMSCmd = &cobra.Command{
	Use:   "sms",
	Short: "Run sender worker for the SMS lane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSender(cmd, model.ChannelSMS)
	},
}

var senderWhatsAppCmd = &cobra.Command{
	Use:   "whatsapp",
	Short: "Run sender worker for the WhatsApp lane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSender(cmd, model.ChannelWhatsApp)
	},
}

func init() {
	senderCmd.AddCommand(senderSMSCmd)
	senderCmd.AddCommand(senderWhatsAppCmd)
}

func topicFor(ch model.Channel) string {
	if ch == model.ChannelWhatsApp {
		return campaign.WhatsAppKafkaTopic
	}
	return campaign.SMSKafkaTopic
}

func runSender(cmd *cobra.Command, channel model.Channel) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
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

	// Redis backs the delayed retry queue
	redisClient, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	// 3) repositories (MySQL)
	messagesRepo := repository.NewMessagesRepository(dbx)
	retriesRepo := repository.NewRetriesRepository(dbx)
	campaignsRepo := repository.NewCampaignsRepository(dbx)
	outboxRepo := repository.NewOutboxRepository(dbx)

	// 4) providers → dispatcher
	var provs []dispatcher.Provider
	for _, pc := range cfg.Providers {
		if !pc.Enabled || strings.TrimSpace(pc.BaseURL) == "" {
			continue
		}
		provs = append(provs,
			dispatcher.NewHTTPProvider(
				pc.Name,
				strings.TrimRight(pc.BaseURL, "/"),
				pc.SMSPath,
				pc.WhatsAppPath,
				pc.TimeoutMs,
				pc.Breaker.FailThreshold,
				pc.Breaker.OpenForMs,
			),
		)
	}
	if len(provs) == 0 {
		return fmt.Errorf("no providers enabled in config")
	}
	disp := dispatcher.NewDispatcher(provs)

	// 5) retry coordinator (shared Redis ZSET; claim on pop tolerates peers)
	coord := retry.NewCoordinator(
		retry.Config{
			MaxRetries:   cfg.Retry.MaxRetries,
			BaseBackoff:  cfg.Retry.BaseBackoff,
			MaxBackoff:   cfg.Retry.MaxBackoff,
			PollInterval: cfg.Retry.PollInterval,
		},
		retry.NewRedisQueue(redisClient),
		messagesRepo,
		retriesRepo,
		campaignsRepo,
		outboxRepo,
		topicFor,
		logger.Log,
	)

	// 6) kafka consumer on the channel's lane
	topic := topicFor(channel)
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "campgw-sender"
	}
	groupID = groupID + "-" + channel.String()

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	w := worker.NewSender(
		dbx,
		consumer,
		messagesRepo,
		retriesRepo,
		campaignsRepo,
		disp,
		coord,
		channel,
		logger.Log,
	)

	// tune knobs
	if cfg.Dispatcher.WorkerCount > 0 {
		w.Workers = cfg.Dispatcher.WorkerCount
	}
	if cfg.Dispatcher.BatchSize > 0 {
		w.BatchSize = cfg.Dispatcher.BatchSize
	}
	if cfg.Dispatcher.BatchWait > 0 {
		w.BatchWait = cfg.Dispatcher.BatchWait
	}

	// 7) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Error("retry coordinator stopped", zap.Error(err))
		}
	}()

	logger.Log.Info("sender started",
		zap.String("channel", channel.String()),
		zap.String("topic", topic),
		zap.String("group", groupID),
		zap.Int("workers", w.Workers),
		zap.Int("batch_size", w.BatchSize),
		zap.Duration("batch_wait", w.BatchWait))

	return w.Run(ctx)
}
