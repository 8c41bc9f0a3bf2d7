package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revrec/internal/cache"
	"github.com/smallbiznis/revrec/internal/catalog"
	"github.com/smallbiznis/revrec/internal/clock"
	"github.com/smallbiznis/revrec/internal/config"
	"github.com/smallbiznis/revrec/internal/ledger"
	"github.com/smallbiznis/revrec/internal/migration"
	"github.com/smallbiznis/revrec/internal/notifier"
	"github.com/smallbiznis/revrec/internal/observability"
	"github.com/smallbiznis/revrec/internal/overview"
	"github.com/smallbiznis/revrec/internal/payment"
	"github.com/smallbiznis/revrec/internal/providers/email"
	"github.com/smallbiznis/revrec/internal/providers/webhook"
	"github.com/smallbiznis/revrec/internal/recognition"
	"github.com/smallbiznis/revrec/internal/reconciliation"
	"github.com/smallbiznis/revrec/internal/refund"
	"github.com/smallbiznis/revrec/internal/scheduler"
	"github.com/smallbiznis/revrec/internal/usage"
	"github.com/smallbiznis/revrec/pkg/db"
	"github.com/smallbiznis/revrec/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		migration.Module,

		// Functional domains
		catalog.Module,
		usage.Module,
		ledger.Module,
		payment.Module,
		recognition.Module,
		refund.Module,
		reconciliation.Module,
		overview.Module,

		// Alerting
		email.Module,
		webhook.Module,
		notifier.Module,

		// Periodic reconciliation cycle
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
