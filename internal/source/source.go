// Package source turns files, directories and remote URLs into documents for indexing.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"

	"pagelens/internal/imaging"
	"pagelens/internal/retrieval"
)

var (
	ErrUnsupported = errors.New("unsupported source")
	ErrNotFound    = errors.New("source not found")
)

// FS is the part of afs.Service the loader depends on.
type FS interface {
	Exists(ctx context.Context, URL string, options ...storage.Option) (bool, error)
	Object(ctx context.Context, URL string, options ...storage.Option) (storage.Object, error)
	List(ctx context.Context, URL string, options ...storage.Option) ([]storage.Object, error)
	Download(ctx context.Context, object storage.Object, options ...storage.Option) ([]byte, error)
}

var _ FS = afs.New()

// PageRenderer rasterises a single 1-based PDF page.
type PageRenderer interface {
	Render(ctx context.Context, pdfPath string, page int) (image.Image, error)
}

type kind int

const (
	kindImage kind = iota
	kindPDF
)

func kindOf(name string) (kind, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return kindImage, true
	case ".pdf":
		return kindPDF, true
	}
	return 0, false
}

type Loader struct {
	fs       FS
	renderer PageRenderer
}

func NewLoader(fs FS, renderer PageRenderer) *Loader {
	if fs == nil {
		fs = afs.New()
	}
	return &Loader{fs: fs, renderer: renderer}
}

// Normalize turns a relative or bare OS path into a file URL and leaves URLs alone.
func Normalize(location string) (string, error) {
	norm := location
	if url.Scheme(norm, "") == "" && url.IsRelative(norm) {
		abs, err := filepath.Abs(norm)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path for %s: %w", location, err)
		}
		norm = abs
	}
	if url.Scheme(norm, "") == "" && !url.IsRelative(norm) {
		norm = url.ToFileURL(norm)
	}
	return norm, nil
}

// Load resolves location and prepares a lazy stream over its documents. PDFs are
// opened up front so that Total is exact; page images are rendered on demand.
func (l *Loader) Load(ctx context.Context, location string) (*Stream, error) {
	norm, err := Normalize(location)
	if err != nil {
		return nil, err
	}
	exists, err := l.fs.Exists(ctx, norm)
	if err != nil && !isRemote(norm) {
		return nil, fmt.Errorf("check %s: %w", location, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	obj, err := l.fs.Object(ctx, norm)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", location, err)
	}

	var objects []storage.Object
	if obj.IsDir() {
		listed, err := l.fs.List(ctx, norm)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", location, err)
		}
		for _, o := range listed {
			if o.IsDir() {
				continue
			}
			if _, ok := kindOf(o.Name()); ok {
				objects = append(objects, o)
			}
		}
		sort.Slice(objects, func(i, j int) bool { return objects[i].Name() < objects[j].Name() })
		if len(objects) == 0 {
			return nil, fmt.Errorf("%w: no images or PDFs in %s", ErrUnsupported, location)
		}
	} else {
		if _, ok := kindOf(obj.Name()); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, location)
		}
		objects = []storage.Object{obj}
	}

	s := &Stream{name: path.Base(url.Path(norm)), loader: l}
	for _, o := range objects {
		if err := s.plan(ctx, o); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func isRemote(location string) bool {
	switch url.Scheme(location, "") {
	case "http", "https":
		return true
	}
	return false
}

type unit struct {
	object storage.Object
	kind   kind
	doc    *pdfDoc
	page   int
}

type pdfDoc struct {
	path   string
	reader *pdf.Reader
}

// Stream yields one document per image file or PDF page.
type Stream struct {
	name    string
	loader  *Loader
	units   []unit
	pos     int
	tmpDir  string
	skipped int
}

var _ retrieval.DocumentStream = (*Stream)(nil)

func (s *Stream) Name() string { return s.name }
func (s *Stream) Total() int   { return len(s.units) }

// Skipped counts units that could not be read.
func (s *Stream) Skipped() int { return s.skipped }

func (s *Stream) plan(ctx context.Context, o storage.Object) error {
	k, _ := kindOf(o.Name())
	if k == kindImage {
		s.units = append(s.units, unit{object: o, kind: kindImage})
		return nil
	}

	if s.loader.renderer == nil {
		return fmt.Errorf("%w: no PDF renderer configured for %s", ErrUnsupported, o.Name())
	}
	data, err := s.loader.fs.Download(ctx, o)
	if err != nil {
		return fmt.Errorf("download %s: %w", o.Name(), err)
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open pdf %s: %w", o.Name(), err)
	}
	if s.tmpDir == "" {
		if s.tmpDir, err = os.MkdirTemp("", "pagelens-pdf-"); err != nil {
			return err
		}
	}
	local := filepath.Join(s.tmpDir, fmt.Sprintf("%03d_%s", len(s.units), path.Base(o.Name())))
	if err := os.WriteFile(local, data, 0o600); err != nil {
		return fmt.Errorf("stage %s: %w", o.Name(), err)
	}

	doc := &pdfDoc{path: local, reader: reader}
	pages := reader.NumPage()
	for p := 1; p <= pages; p++ {
		s.units = append(s.units, unit{object: o, kind: kindPDF, doc: doc, page: p})
	}
	slog.DebugContext(ctx, "pdf planned", "file", o.Name(), "pages", pages)
	return nil
}

// Next returns the next readable document, or io.EOF. Unreadable pages are logged and skipped.
func (s *Stream) Next(ctx context.Context) (retrieval.Document, error) {
	for s.pos < len(s.units) {
		if err := ctx.Err(); err != nil {
			return retrieval.Document{}, err
		}
		u := s.units[s.pos]
		s.pos++

		doc, err := s.load(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return retrieval.Document{}, ctx.Err()
			}
			s.skipped++
			slog.WarnContext(ctx, "skipping unreadable document", "file", u.object.Name(), "page", u.page, "error", err)
			continue
		}
		return doc, nil
	}
	return retrieval.Document{}, io.EOF
}

func (s *Stream) load(ctx context.Context, u unit) (retrieval.Document, error) {
	name := u.object.Name()
	if u.kind == kindImage {
		data, err := s.loader.fs.Download(ctx, u.object)
		if err != nil {
			return retrieval.Document{}, fmt.Errorf("download: %w", err)
		}
		img, err := imaging.Decode(data)
		if err != nil {
			return retrieval.Document{}, err
		}
		return retrieval.Document{Image: img, Source: name, Metadata: map[string]any{}}, nil
	}

	img, err := s.loader.renderer.Render(ctx, u.doc.path, u.page)
	if err != nil {
		return retrieval.Document{}, fmt.Errorf("render: %w", err)
	}
	meta := map[string]any{retrieval.PayloadPageNum: u.page}
	if text := pageText(u.doc.reader, u.page); text != "" {
		meta[retrieval.PayloadPageText] = text
	}
	return retrieval.Document{Image: img, Source: name, Metadata: meta}, nil
}

func pageText(r *pdf.Reader, page int) string {
	p := r.Page(page)
	if p.V.IsNull() {
		return ""
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ToValidUTF8(text, ""))
}

// Close removes staged PDF copies.
func (s *Stream) Close() error {
	if s.tmpDir == "" {
		return nil
	}
	err := os.RemoveAll(s.tmpDir)
	s.tmpDir = ""
	return err
}
