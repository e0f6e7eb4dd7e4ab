// cmd/bhavquery/main.go
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/golang-sql/civil"
	"github.com/joho/godotenv"

	"bhavflow/config"
	"bhavflow/internal/planner"
	"bhavflow/logger"
	"bhavflow/models"
	"bhavflow/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	table := flag.String("table", "", "Table to read (idx, vix, spot, fno)")
	from := flag.String("from", "", "First date, YYYY-MM-DD")
	to := flag.String("to", "", "Last date, YYYY-MM-DD")
	symbol := flag.String("symbol", "", "Only rows with this SYMBOL")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	// Logs go to stderr so stdout stays plain CSV.
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stderr", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	t, err := models.ParseTable(*table)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bhavquery:", err)
		os.Exit(1)
	}
	pred, err := predicate(*from, *to, *symbol)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bhavquery:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := writer.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer store.Close()

	p, err := planner.New(store, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create planner")
		os.Exit(1)
	}

	physical := p.Partitioner(t).Tables()
	if *symbol != "" {
		physical = []string{p.Partitioner(t).TableFor(*symbol)}
	}

	n, err := dump(ctx, os.Stdout, store, t.Schema(), physical, pred)
	if err != nil {
		log.WithError(err).Error("query failed")
		os.Exit(1)
	}
	log.WithComponent("bhavquery").WithFields(logger.Fields{
		"table":  string(t),
		"tables": physical,
		"rows":   n,
	}).Info("query finished")
}

func predicate(from, to, symbol string) (models.Predicate, error) {
	var p models.Predicate
	if from != "" || to != "" {
		r := models.DateRange{Start: civil.Date{Year: 1900, Month: 1, Day: 1}, End: civil.Date{Year: 9999, Month: 12, Day: 31}}
		if from != "" {
			d, err := civil.ParseDate(from)
			if err != nil {
				return p, fmt.Errorf("-from: %w", err)
			}
			r.Start = d
		}
		if to != "" {
			d, err := civil.ParseDate(to)
			if err != nil {
				return p, fmt.Errorf("-to: %w", err)
			}
			r.End = d
		}
		if r.End.Before(r.Start) {
			return p, fmt.Errorf("empty range %s..%s", r.Start, r.End)
		}
		p.Dates = &r
	}
	if symbol != "" {
		p = p.With("SYMBOL", symbol)
	}
	return p, nil
}

// dump writes the header once and then the matching rows of each physical
// table as CSV.
func dump(ctx context.Context, w io.Writer, store writer.Store, schema *models.Schema, tables []string, p models.Predicate) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(schema.Names()); err != nil {
		return 0, err
	}
	n := 0
	for _, name := range tables {
		rs, err := store.Query(ctx, name, schema, p)
		if err != nil {
			return n, fmt.Errorf("query %s: %w", name, err)
		}
		rec := make([]string, len(schema.Columns))
		for _, row := range rs.Rows {
			for i, v := range row {
				rec[i] = models.FormatValue(v)
			}
			if err := cw.Write(rec); err != nil {
				return n, err
			}
			n++
		}
	}
	cw.Flush()
	return n, cw.Error()
}
