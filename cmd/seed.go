package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/config"
	"github.com/mshirdel/campaign-core/internal/db"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo partner apps and subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo partner apps...")

		if err := seedSubscriptions(sqlDB); err != nil {
			return err
		}
		if err := seedPartnerApps(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed ✅")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

type seedSubscription struct {
	id            int64
	userID        int64
	status        model.SubscriptionStatus
	smsLimit      int
	whatsappLimit int
	apiCallsLimit int
	endsAt        *time.Time
}

// seedSubscriptions inserts deterministic demo subscription_usage rows
// (idempotent).
func seedSubscriptions(dbx *sqlx.DB) error {
	trialEnd := time.Now().AddDate(0, 0, 14)
	subs := []seedSubscription{
		{id: 1, userID: 1, status: model.SubscriptionActive, smsLimit: 10000, whatsappLimit: 5000, apiCallsLimit: model.UnlimitedQuota},
		{id: 2, userID: 2, status: model.SubscriptionActive, smsLimit: model.UnlimitedQuota, whatsappLimit: model.UnlimitedQuota, apiCallsLimit: model.UnlimitedQuota},
		{id: 3, userID: 3, status: model.SubscriptionTrial, smsLimit: 100, whatsappLimit: 50, apiCallsLimit: 1000, endsAt: &trialEnd},
		{id: 4, userID: 4, status: model.SubscriptionExpired, smsLimit: 1000, whatsappLimit: 0, apiCallsLimit: 1000},
	}

	const q = `
INSERT INTO subscription_usage
    (subscription_id, user_id, status, sms_used, sms_limit, whatsapp_used,
     whatsapp_limit, api_calls_today, api_calls_limit, daily_reset_at,
     monthly_reset_at, ends_at, created_at, updated_at)
VALUES
    (?, ?, ?, 0, ?, 0, ?, 0, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    status         = VALUES(status),
    sms_limit      = VALUES(sms_limit),
    whatsapp_limit = VALUES(whatsapp_limit),
    api_calls_limit = VALUES(api_calls_limit),
    ends_at        = VALUES(ends_at),
    updated_at     = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	dailyReset := now.Truncate(24 * time.Hour).AddDate(0, 0, 1)
	monthlyReset := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	for _, s := range subs {
		if _, err := tx.Exec(q, s.id, s.userID, s.status, s.smsLimit, s.whatsappLimit,
			s.apiCallsLimit, dailyReset, monthlyReset, s.endsAt, now, now); err != nil {
			return fmt.Errorf("insert subscription %d: %w", s.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit subscriptions: %w", err)
	}
	return nil
}

// seedPartnerApps inserts demo API consumers (idempotent upsert on api_key).
func seedPartnerApps(dbx *sqlx.DB) error {
	apps := []model.PartnerApp{
		{
			UserID:         1,
			Name:           "Acme Campaigns",
			APIKey:         "11111111111111111111111111111111",
			Status:         "active",
			SubscriptionID: 1,
			RateLimitRPS:   intptr(20),
		},
		{
			UserID:         2,
			Name:           "Globex Unlimited",
			APIKey:         "22222222222222222222222222222222",
			Status:         "active",
			SubscriptionID: 2,
			RateLimitRPS:   intptr(100),
		},
		{
			UserID:         3,
			Name:           "Trial Tester",
			APIKey:         "33333333333333333333333333333333",
			Status:         "active",
			SubscriptionID: 3,
			RateLimitRPS:   intptr(5),
		},
		{
			UserID:         4,
			Name:           "Suspended Inc",
			APIKey:         "44444444444444444444444444444444",
			Status:         "suspended",
			SubscriptionID: 4,
			RateLimitRPS:   nil,
		},
	}

	const q = `
INSERT INTO partner_apps
    (user_id, name, api_key, status, subscription_id, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name            = VALUES(name),
    status          = VALUES(status),
    subscription_id = VALUES(subscription_id),
    rate_limit_rps  = VALUES(rate_limit_rps),
    updated_at      = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, a := range apps {
		if _, err := tx.Exec(q, a.UserID, a.Name, a.APIKey, a.Status, a.SubscriptionID, a.RateLimitRPS, now, now); err != nil {
			return fmt.Errorf("insert partner app %q: %w", a.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit partner apps: %w", err)
	}
	return nil
}

func intptr(i int) *int { return &i }
