package extract

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// extractPDF runs pdftotext -layout on the first MaxPages pages. pdftotext
// ends every page with a form feed, which gives the page count.
func (e *Extractor) extractPDF(ctx context.Context, path string, _ string) (Result, error) {
	cmd := exec.CommandContext(ctx, e.opts.PdfToTextPath,
		"-layout", "-enc", "UTF-8", "-l", strconv.Itoa(e.opts.MaxPages), path, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, eris.Wrapf(err, "extract: pdftotext failed for %s: %s", path, strings.TrimSpace(stderr.String()))
	}
	return splitPages(stdout.String()), nil
}

func splitPages(out string) Result {
	pages := strings.Split(out, "\f")
	var kept []string
	units := 0
	for i, p := range pages {
		// The text after the final form feed is not a page.
		if i == len(pages)-1 && strings.TrimSpace(p) == "" {
			break
		}
		units++
		if t := strings.TrimRight(p, " \n"); strings.TrimSpace(t) != "" {
			kept = append(kept, t)
		}
	}
	return Result{Text: strings.Join(kept, "\n\n"), Units: units}
}
