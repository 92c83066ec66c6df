package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llamatrack/llamatrack/internal/store"
)

func writeRows(w io.Writer, format string, rows []store.Row) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)

	case "csv":
		cw := csv.NewWriter(w)
		header := []string{"protocol", "category", "chains", "tvl", "market_cap", "annual_revenue", "pe_ratio", "timestamp"}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, r := range rows {
			record := []string{
				r.Protocol,
				r.Category,
				strings.Join(r.Chains, ";"),
				r.TVL.String(),
				nullDecString(r.MarketCap),
				nullDecString(r.AnnualRevenue),
				nullDecString(r.PERatio),
				r.Timestamp.UTC().Format(time.RFC3339),
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROTOCOL\tCATEGORY\tCHAINS\tTVL\tMARKET_CAP\tANNUAL_REVENUE\tPE_RATIO\tTIMESTAMP")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Protocol,
				r.Category,
				strings.Join(r.Chains, ","),
				r.TVL.String(),
				tableCell(r.MarketCap),
				tableCell(r.AnnualRevenue),
				tableCell(r.PERatio),
				r.Timestamp.UTC().Format(time.RFC3339),
			)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func nullDecString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func tableCell(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

func writeSummary(w io.Writer, format string, sum *store.Summary) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Fprintf(w, "protocols:      %d\n", sum.Protocols)
	fmt.Fprintf(w, "history points: %d\n", sum.HistoryPoints)
	if sum.Earliest != nil {
		fmt.Fprintf(w, "earliest:       %s\n", sum.Earliest.UTC().Format(time.RFC3339))
	}
	if sum.Latest != nil {
		fmt.Fprintf(w, "latest:         %s\n", sum.Latest.UTC().Format(time.RFC3339))
	}
	return nil
}
