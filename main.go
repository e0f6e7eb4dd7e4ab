package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-sql/civil"
	"github.com/joho/godotenv"

	"bhavflow/config"
	"bhavflow/internal/metrics"
	"bhavflow/internal/planner"
	"bhavflow/internal/updater"
	"bhavflow/logger"
	"bhavflow/models"
	"bhavflow/reader/nse"
	"bhavflow/writer"
)

const (
	exitFatal  = 1
	exitFailed = 2
)

const usage = `usage: bhavflow [-config path] [-dry-run] <command> [args]

commands:
  update [table|all]              load everything missing up to today
  between <table> <start> <end>   load an explicit range (YYYY-MM-DD)
  rebuild <table> [start]         drop and reload a table
  force <table> <date> [-replace] re-fetch one date and diff against the store
  plan <table>                    show what update would fetch
`

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	dryRun := flag.Bool("dry-run", false, "Use an in-memory store; nothing is persisted")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return exitFatal
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return exitFatal
	}
	if *dryRun {
		cfg.Storage.Driver = "memory"
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return exitFatal
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bhavflow.Name,
		"version": cfg.Bhavflow.Version,
		"command": args[0],
		"driver":  cfg.Storage.Driver,
	}).Info("starting bhavflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received, stopping after the current unit")
			cancel()
		case <-ctx.Done():
		}
	}()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	store, err := writer.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		return exitFatal
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("failed to close store")
		}
	}()

	p, err := planner.New(store, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create planner")
		return exitFatal
	}
	client, err := nse.NewClient(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create NSE client")
		return exitFatal
	}

	m := metrics.Init()
	u := updater.New(cfg, store, client, p, updater.WithMetrics(m))

	code := dispatch(ctx, u, p, args)

	if cfg.Metrics.Pushgateway != "" {
		if err := m.Push(cfg.Metrics.Pushgateway, cfg.Metrics.Job); err != nil {
			log.WithError(err).Warn("failed to push metrics")
		}
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.LogReport(ctx, log)
	}
	log.WithFields(logger.Fields{"exit_code": code}).Info("bhavflow stopped")
	return code
}

func dispatch(ctx context.Context, u *updater.Updater, p *planner.Planner, args []string) int {
	log := logger.GetLogger().WithComponent("main")
	cmd, rest := args[0], args[1:]

	var (
		reports []*updater.Report
		err     error
	)
	switch cmd {
	case "update":
		var tables []models.Table
		if len(rest) > 0 && rest[0] != "all" {
			t, perr := models.ParseTable(rest[0])
			if perr != nil {
				return usageError(perr)
			}
			tables = []models.Table{t}
		}
		reports, err = u.UpdateAll(ctx, tables...)

	case "between":
		if len(rest) != 3 {
			return usageError(errors.New("between needs <table> <start> <end>"))
		}
		t, perr := models.ParseTable(rest[0])
		if perr != nil {
			return usageError(perr)
		}
		start, serr := civil.ParseDate(rest[1])
		end, eerr := civil.ParseDate(rest[2])
		if serr != nil || eerr != nil {
			return usageError(fmt.Errorf("dates must be YYYY-MM-DD: %q %q", rest[1], rest[2]))
		}
		var r *updater.Report
		r, err = u.UpdateBetween(ctx, t, start, end)
		if r != nil {
			reports = append(reports, r)
		}

	case "rebuild":
		if len(rest) < 1 {
			return usageError(errors.New("rebuild needs <table> [start]"))
		}
		t, perr := models.ParseTable(rest[0])
		if perr != nil {
			return usageError(perr)
		}
		var start civil.Date
		if len(rest) > 1 {
			if start, perr = civil.ParseDate(rest[1]); perr != nil {
				return usageError(perr)
			}
		}
		var r *updater.Report
		r, err = u.RebuildFrom(ctx, t, start)
		if r != nil {
			reports = append(reports, r)
		}

	case "force":
		return force(ctx, u, rest)

	case "plan":
		if len(rest) != 1 {
			return usageError(errors.New("plan needs <table>"))
		}
		t, perr := models.ParseTable(rest[0])
		if perr != nil {
			return usageError(perr)
		}
		return printPlans(ctx, p, t)

	default:
		return usageError(fmt.Errorf("unknown command %q", cmd))
	}

	for _, r := range reports {
		r.Print(os.Stdout)
	}
	if err != nil {
		log.WithError(err).Error("run aborted")
		return exitFatal
	}
	for _, r := range reports {
		if !r.OK() {
			return exitFailed
		}
	}
	return 0
}

func force(ctx context.Context, u *updater.Updater, args []string) int {
	fs := flag.NewFlagSet("force", flag.ContinueOnError)
	replace := fs.Bool("replace", false, "Replace stored rows of the date with the fetched ones")
	if err := fs.Parse(reorderFlags(args)); err != nil {
		return exitFatal
	}
	if fs.NArg() != 2 {
		return usageError(errors.New("force needs <table> <date>"))
	}
	t, err := models.ParseTable(fs.Arg(0))
	if err != nil {
		return usageError(err)
	}
	d, err := civil.ParseDate(fs.Arg(1))
	if err != nil {
		return usageError(err)
	}
	diff, err := u.ForceUpdate(ctx, t, d, *replace)
	if diff != nil {
		diff.Print(os.Stdout)
	}
	if err != nil {
		logger.GetLogger().WithComponent("main").WithError(err).Error("force update failed")
		if errors.Is(err, planner.ErrStorageUnavailable) {
			return exitFatal
		}
		return exitFailed
	}
	return 0
}

// reorderFlags moves flags ahead of positional arguments so that
// "force spot 2024-01-10 -replace" parses like "force -replace spot 2024-01-10".
func reorderFlags(args []string) []string {
	var flags, pos []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			flags = append(flags, a)
		} else {
			pos = append(pos, a)
		}
	}
	return append(flags, pos...)
}

func printPlans(ctx context.Context, p *planner.Planner, t models.Table) int {
	var plans []*planner.Plan
	if t == models.TableIndex {
		for _, symbol := range p.IndexSymbols() {
			plan, err := p.PlanIndex(ctx, symbol)
			if err != nil {
				logger.GetLogger().WithComponent("main").WithError(err).Error("planning failed")
				return exitFatal
			}
			if plan != nil {
				plans = append(plans, plan)
			}
		}
	} else {
		plan, err := p.PlanNext(ctx, t)
		if err != nil {
			logger.GetLogger().WithComponent("main").WithError(err).Error("planning failed")
			return exitFatal
		}
		if plan != nil {
			plans = append(plans, plan)
		}
	}
	if len(plans) == 0 {
		fmt.Printf("%s is up to date (today %s)\n", t, p.Today())
		return 0
	}
	for _, plan := range plans {
		fmt.Printf("%s: %d business days in %d window(s)\n", plan, len(plan.BusinessDays), len(plan.Chunks))
	}
	return 0
}

func usageError(err error) int {
	fmt.Fprintf(os.Stderr, "bhavflow: %v\n\n%s", err, usage)
	return exitFatal
}
