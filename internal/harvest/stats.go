package harvest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/epsteingraph/harvestctl/internal/catalog"
)

// Stats opens the catalog and writes the download and extraction statistics
// tables to w.
func Stats(ctx context.Context, config *Config, w io.Writer) error {
	store, err := catalog.Open(config.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close catalog", "error", err)
		}
	}()

	return writeStats(ctx, store, w)
}

// writeStats renders per-source document counts with byte totals, then
// per-source extraction counts. The TOTAL size row sums downloaded rows
// only; skipped and failed rows hold no content.
func writeStats(ctx context.Context, store *catalog.Store, w io.Writer) error {
	docStats, err := store.DocumentStats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "\nDownload statistics:")
	table := newStatsTable(w, []string{"Source", "Status", "Count", "Size"})
	var totalDocs, totalBytes int64
	for _, st := range docStats {
		table.Append([]string{st.Source, st.Status,
			strconv.FormatInt(st.Count, 10), formatBytes(st.TotalBytes)})
		totalDocs += st.Count
		if st.Status == catalog.StatusDownloaded {
			totalBytes += st.TotalBytes
		}
	}
	table.Append([]string{"TOTAL", "",
		strconv.FormatInt(totalDocs, 10), formatBytes(totalBytes)})
	table.Render()

	extStats, err := store.ExtractionStats(ctx)
	if err != nil {
		return err
	}
	if len(extStats) == 0 {
		return nil
	}

	fmt.Fprintln(w, "\nExtraction statistics:")
	table = newStatsTable(w, []string{"Source", "Status", "Count", "Chars", "OCR Pages"})
	for _, st := range extStats {
		table.Append([]string{st.Source, st.Status,
			strconv.FormatInt(st.Count, 10),
			strconv.FormatInt(st.TotalChars, 10),
			strconv.FormatInt(st.TotalOCRPages, 10)})
	}
	table.Render()
	return nil
}

func newStatsTable(w io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

// formatBytes formats a byte count as a human-readable IEC string.
func formatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(n)
	unitIndex := 0

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}

	if unitIndex == 0 {
		return fmt.Sprintf("%.0f %s", size, units[unitIndex])
	}
	return fmt.Sprintf("%.2f %s", size, units[unitIndex])
}
