package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rmunteanu/astra-console/internal/delivery"
	"github.com/rmunteanu/astra-console/internal/ledger"
)

// summaryRow is one line of the campaign summary CSV.
type summaryRow struct {
	URL      string
	Lang     string
	Status   ledger.Status
	Duration time.Duration
	Reason   string
}

// writeSummary drops summary.csv into the campaign directory so a
// finished batch can be reviewed without opening the console.
func writeSummary(campaignDir string, rows []summaryRow) error {
	path := filepath.Join(campaignDir, "summary.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"domain", "url", "lang", "status", "duration", "reason"}); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	for _, row := range rows {
		domain, _ := delivery.DomainOf(row.URL)
		record := []string{
			domain,
			row.URL,
			row.Lang,
			string(row.Status),
			row.Duration.Round(time.Second).String(),
			row.Reason,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
