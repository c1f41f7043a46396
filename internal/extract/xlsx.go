package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// extractXLSX renders each sheet as one page of pipe-separated rows. Empty
// rows are dropped.
func (e *Extractor) extractXLSX(ctx context.Context, path string, _ string) (Result, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return Result{}, eris.Wrapf(err, "extract: open xlsx %s", path)
	}

	var b strings.Builder
	units := 0
	for _, sheet := range f.Sheets {
		if units >= e.opts.MaxPages {
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{}, eris.Wrap(err, "extract: xlsx cancelled")
		}
		units++

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Sheet: %s\n", sheet.Name)
		for _, row := range sheet.Rows {
			if line := rowText(row); line != "" {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	}
	return Result{Text: b.String(), Units: units}, nil
}

func rowText(row *xlsx.Row) string {
	if row == nil {
		return ""
	}
	cells := make([]string, 0, len(row.Cells))
	empty := true
	for _, cell := range row.Cells {
		v := strings.TrimSpace(cell.String())
		if v != "" {
			empty = false
		}
		cells = append(cells, v)
	}
	if empty {
		return ""
	}
	return strings.Join(cells, " | ")
}
