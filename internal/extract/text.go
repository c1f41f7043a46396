package extract

import (
	"bytes"
	"context"
	"os"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/idea-eval/internal/resilience"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// extractText reads plain text, markdown and CSV.
func (e *Extractor) extractText(_ context.Context, path string, charset string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, eris.Wrapf(err, "extract: read %s", path)
	}
	text, err := decode(path, raw, charset)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, Units: 1}, nil
}

// decode returns raw as UTF-8. Valid UTF-8 passes through; anything else is
// decoded with the declared charset, and with no usable charset the content
// is unreadable.
func decode(path string, raw []byte, charset string) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	if charset == "" {
		return "", &resilience.UnreadableError{URI: path, Reason: "invalid UTF-8 and no charset declared"}
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", &resilience.UnreadableError{URI: path, Reason: "unknown charset " + charset}
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", &resilience.UnreadableError{URI: path, Reason: "decode " + charset + ": " + err.Error()}
	}
	return string(out), nil
}
