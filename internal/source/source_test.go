package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagelens/internal/imaging"
	"pagelens/internal/retrieval"
)

type fakeRenderer struct {
	calls   []int
	failOn  int
	lastPDF string
}

func (f *fakeRenderer) Render(_ context.Context, pdfPath string, page int) (image.Image, error) {
	f.calls = append(f.calls, page)
	f.lastPDF = pdfPath
	if page == f.failOn {
		return nil, errors.New("render failed")
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(0, 0, color.RGBA{G: uint8(page), A: 255})
	return img, nil
}

// minimalPDF builds a PDF with one Helvetica text line per page.
func minimalPDF(texts ...string) []byte {
	n := len(texts)
	fontID := 3 + 2*n
	var objs []string
	objs = append(objs, "<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, n)
	for i := range texts {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	objs = append(objs, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i, text := range texts {
		content := fmt.Sprintf("BT /F1 12 Tf 20 100 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] /Contents %d 0 R /Resources << /Font << /F1 %d 0 R >> >> >>", 4+2*i, fontID),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}
	objs = append(objs, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, obj := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func writeImage(t *testing.T, path string, format imaging.Format) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	data, err := imaging.Codec{Format: format, Quality: 90}.Encode(img)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func drain(t *testing.T, s *Stream) []retrieval.Document {
	t.Helper()
	var docs []retrieval.Document
	for {
		doc, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return docs
		}
		require.NoError(t, err)
		docs = append(docs, doc)
	}
}

func TestLoader_Directory(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "b.png"), imaging.FormatPNG)
	writeImage(t, filepath.Join(dir, "a.jpg"), imaging.FormatJPEG)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	s, err := NewLoader(nil, nil).Load(context.Background(), dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Base(dir), s.Name())
	assert.Equal(t, 2, s.Total())
	docs := drain(t, s)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.jpg", docs[0].Source)
	assert.Equal(t, "b.png", docs[1].Source)
	assert.Equal(t, 4, docs[0].Image.Bounds().Dx())
}

func TestLoader_GIF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.gif")
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 6, 3)), nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	s, err := NewLoader(nil, nil).Load(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	docs := drain(t, s)
	require.Len(t, docs, 1)
	assert.Equal(t, "scan.gif", docs[0].Source)
	assert.Equal(t, 6, docs[0].Image.Bounds().Dx())
}

func TestLoader_PDF(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(file, minimalPDF("Hello", "World", "Again"), 0o600))

	r := &fakeRenderer{failOn: 2}
	s, err := NewLoader(nil, r).Load(context.Background(), file)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Total())
	docs := drain(t, s)
	require.Len(t, docs, 2)
	assert.Equal(t, 1, s.Skipped())
	assert.Equal(t, []int{1, 2, 3}, r.calls)

	assert.Equal(t, "report.pdf", docs[0].Source)
	assert.Equal(t, 1, docs[0].Metadata[retrieval.PayloadPageNum])
	assert.Contains(t, docs[0].Metadata[retrieval.PayloadPageText], "Hello")
	assert.Equal(t, 3, docs[1].Metadata[retrieval.PayloadPageNum])
	assert.Contains(t, docs[1].Metadata[retrieval.PayloadPageText], "Again")

	_, err = os.Stat(r.lastPDF)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = os.Stat(r.lastPDF)
	assert.True(t, os.IsNotExist(err))
}

func TestLoader_PDFWithoutRenderer(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.pdf")
	require.NoError(t, os.WriteFile(file, minimalPDF("x"), 0o600))

	_, err := NewLoader(nil, nil).Load(context.Background(), file)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0o700))

	tests := []struct {
		name     string
		location string
		want     error
	}{
		{name: "missing file", location: filepath.Join(dir, "nope.png"), want: ErrNotFound},
		{name: "unsupported extension", location: txt, want: ErrUnsupported},
		{name: "directory without documents", location: empty, want: ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(nil, nil).Load(context.Background(), tt.location)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStream_CorruptImageSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.png"), []byte("not a png"), 0o600))
	writeImage(t, filepath.Join(dir, "good.png"), imaging.FormatPNG)

	s, err := NewLoader(nil, nil).Load(context.Background(), dir)
	require.NoError(t, err)
	docs := drain(t, s)
	require.Len(t, docs, 1)
	assert.Equal(t, "good.png", docs[0].Source)
	assert.Equal(t, 1, s.Skipped())
}

func TestStream_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "a.png"), imaging.FormatPNG)
	s, err := NewLoader(nil, nil).Load(context.Background(), dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("/tmp/pages")
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/pages", got)

	got, err = Normalize("https://example.com/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.pdf", got)

	got, err = Normalize("data")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "file://"))
}

func TestPdftoppm_CheckMissingBinary(t *testing.T) {
	err := Pdftoppm{Path: "definitely-not-a-renderer"}.Check()
	assert.ErrorContains(t, err, "not found")
}
