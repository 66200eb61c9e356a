package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting"
	"github.com/panzhenhai520/exchangenew-sub003/internal/compliance/reporting/botxlsx"
	"github.com/panzhenhai520/exchangenew-sub003/internal/config"
	"github.com/panzhenhai520/exchangenew-sub003/internal/database"
	"github.com/panzhenhai520/exchangenew-sub003/internal/rates"
	"github.com/panzhenhai520/exchangenew-sub003/internal/sequence"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/logger"
	"github.com/panzhenhai520/exchangenew-sub003/pkg/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// botreport renders the monthly BOT workbook for one branch. Typically run
// from cron in the first days of the following month.
func main() {
	var (
		configPath   = flag.String("config", "config.yaml", "configuration file")
		branchID     = flag.Uint("branch", 0, "branch id (required)")
		year         = flag.Int("year", 0, "report year, defaults to last month")
		month        = flag.Int("month", 0, "report month 1-12, defaults to last month")
		rebuild      = flag.Bool("rebuild", false, "rebuild the month's event rows from the transaction log first")
		markReported = flag.Bool("mark-reported", false, "flip is_reported on the month's events after rendering")
	)
	flag.Parse()

	if *branchID == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.New(cfg.Database)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	y, m := *year, time.Month(*month)
	if y == 0 || m == 0 {
		lastMonth := time.Now().AddDate(0, -1, 0)
		y, m = lastMonth.Year(), lastMonth.Month()
	}

	var branch models.Branch
	if err := db.First(&branch, *branchID).Error; err != nil {
		zapLogger.Fatal("failed to load branch", zap.Uint("branch_id", *branchID), zap.Error(err))
	}

	registry := reporting.NewRegistry(zapLogger)
	rateSvc := rates.NewService(zapLogger, cfg.Compliance.USDFallbackRate)
	events := reporting.NewEventWriter(zapLogger, rateSvc)
	generator := botxlsx.NewGenerator(zapLogger, registry, cfg.Reporting.BotTemplatePath, cfg.Reporting.BotOutputDir)

	if *rebuild {
		threshold := decimal.NewFromFloat(cfg.Compliance.ProviderThresholdUSD)
		if err := events.RebuildMonth(db, branch.ID, y, m, threshold); err != nil {
			zapLogger.Fatal("failed to rebuild month", zap.Error(err))
		}
		zapLogger.Info("month rebuilt from transaction log",
			zap.Int("year", y), zap.Int("month", int(m)))
	}

	path, err := generator.Render(db, &branch, y, m)
	if err != nil {
		zapLogger.Fatal("failed to render workbook", zap.Error(err))
	}

	// Filing burns one BOT number per sheet and flips the month's events in
	// the same transaction, so a failed filing consumes nothing.
	if *markReported {
		allocator := sequence.NewAllocator(zapLogger, cfg.Compliance.SequenceMaxRetries)
		filedAt := time.Now()
		err := allocator.WithRetry(db, func(tx *gorm.DB) error {
			for _, reportType := range []string{
				models.ReportBotBuyFX, models.ReportBotSellFX, models.ReportBotFCD, models.ReportBotProvider,
			} {
				no, err := allocator.NextBotNumber(tx, &branch, reportType, filedAt, "botreport")
				if err != nil {
					return err
				}
				zapLogger.Info("bot filing number allocated",
					zap.String("report_type", reportType),
					zap.String("report_no", no))
			}
			return registry.MarkBotReported(tx, branch.ID, y, m, filedAt)
		})
		if err != nil {
			zapLogger.Fatal("failed to mark events reported", zap.Error(err))
		}
	}

	fmt.Println(path)
}
