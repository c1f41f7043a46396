// Package extract turns an idea's optional support file into plain text the
// classifier and evaluator can read.
package extract

import (
	"context"
	"errors"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrUnsupported is returned for file types with no extraction strategy.
var ErrUnsupported = errors.New("extract: unsupported file type")

// ErrMissing is returned when the support file does not exist.
var ErrMissing = errors.New("extract: support file not found")

// FileRef points at a support file.
type FileRef struct {
	URI         string
	ContentType string
}

// Result is extracted text plus the number of units (pages, sheets or video
// frames) it was drawn from.
type Result struct {
	Text      string `json:"text"`
	Units     int    `json:"units"`
	Kind      Kind   `json:"kind"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Kind is a family of file types sharing one strategy.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindXLSX  Kind = "xlsx"
	KindHTML  Kind = "html"
	KindText  Kind = "text"
	KindVideo Kind = "video"
)

// Options configures the extractor.
type Options struct {
	PdfToTextPath     string
	FFprobePath       string
	MaxPages          int
	FrameIntervalSecs int
	MaxChars          int
}

// Extractor dispatches a FileRef to the strategy for its kind.
type Extractor struct {
	opts       Options
	strategies map[Kind]strategy
}

type strategy func(ctx context.Context, path string, charset string) (Result, error)

// New creates an Extractor.
func New(opts Options) *Extractor {
	if opts.PdfToTextPath == "" {
		opts.PdfToTextPath = "pdftotext"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	if opts.FrameIntervalSecs <= 0 {
		opts.FrameIntervalSecs = 10
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 100_000
	}

	e := &Extractor{opts: opts}
	e.strategies = map[Kind]strategy{
		KindPDF:   e.extractPDF,
		KindXLSX:  e.extractXLSX,
		KindHTML:  e.extractHTML,
		KindText:  e.extractText,
		KindVideo: e.extractVideo,
	}
	return e
}

// Extract reads ref and returns its text. It returns ErrMissing when the file
// is absent and ErrUnsupported when no strategy handles its type.
func (e *Extractor) Extract(ctx context.Context, ref FileRef) (Result, error) {
	path, err := localPath(ref.URI)
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, eris.Wrapf(ErrMissing, "extract: %s", path)
		}
		return Result{}, eris.Wrapf(err, "extract: stat %s", path)
	}

	kind, charset := Detect(ref.ContentType, path)
	run, ok := e.strategies[kind]
	if !ok {
		return Result{}, eris.Wrapf(ErrUnsupported, "extract: %s (%s)", path, ref.ContentType)
	}

	res, err := run(ctx, path, charset)
	if err != nil {
		return Result{}, err
	}
	res.Kind = kind
	res.Text, res.Truncated = truncate(strings.TrimSpace(res.Text), e.opts.MaxChars)

	zap.L().Debug("extract: done",
		zap.String("path", path),
		zap.String("kind", string(kind)),
		zap.Int("units", res.Units),
		zap.Int("chars", len(res.Text)),
		zap.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// localPath accepts bare paths and file:// URIs. Remote schemes are not
// fetched.
func localPath(uri string) (string, error) {
	switch {
	case uri == "":
		return "", eris.Wrap(ErrMissing, "extract: empty uri")
	case strings.HasPrefix(uri, "file://"):
		return filepath.FromSlash(strings.TrimPrefix(uri, "file://")), nil
	case strings.Contains(uri, "://"):
		return "", eris.Wrapf(ErrUnsupported, "extract: remote uri %s", uri)
	default:
		return uri, nil
	}
}

var contentTypeKinds = map[string]Kind{
	"application/pdf": KindPDF,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": KindXLSX,
	"text/html":             KindHTML,
	"application/xhtml+xml": KindHTML,
	"text/plain":            KindText,
	"text/markdown":         KindText,
	"text/x-markdown":       KindText,
	"text/csv":              KindText,
}

var extensionKinds = map[string]Kind{
	".pdf":      KindPDF,
	".xlsx":     KindXLSX,
	".html":     KindHTML,
	".htm":      KindHTML,
	".txt":      KindText,
	".md":       KindText,
	".markdown": KindText,
	".csv":      KindText,
	".mp4":      KindVideo,
	".mov":      KindVideo,
	".avi":      KindVideo,
	".mkv":      KindVideo,
	".webm":     KindVideo,
}

// Detect picks the kind from the declared content type, falling back to the
// file extension. It also returns the declared charset, if any.
func Detect(contentType, path string) (Kind, string) {
	var charset string
	if contentType != "" {
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err == nil {
			charset = params["charset"]
			if k, ok := contentTypeKinds[mediaType]; ok {
				return k, charset
			}
			if strings.HasPrefix(mediaType, "video/") {
				return KindVideo, charset
			}
		}
	}
	return extensionKinds[strings.ToLower(filepath.Ext(path))], charset
}

func truncate(s string, maxChars int) (string, bool) {
	if utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:maxChars]), true
}
