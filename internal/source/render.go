package source

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"pagelens/internal/imaging"
)

// Pdftoppm renders pages with poppler's pdftoppm binary.
type Pdftoppm struct {
	Path string
	DPI  int
}

var _ PageRenderer = Pdftoppm{}

// Check reports whether the binary can be found.
func (p Pdftoppm) Check() error {
	if _, err := exec.LookPath(p.binary()); err != nil {
		return fmt.Errorf("pdf renderer %q not found: %w", p.binary(), err)
	}
	return nil
}

func (p Pdftoppm) binary() string {
	if p.Path == "" {
		return "pdftoppm"
	}
	return p.Path
}

func (p Pdftoppm) Render(ctx context.Context, pdfPath string, page int) (image.Image, error) {
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 150
	}
	dir, err := os.MkdirTemp("", "pagelens-page-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	n := strconv.Itoa(page)
	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, p.binary(),
		"-r", strconv.Itoa(dpi), "-f", n, "-l", n, "-png", "-singlefile", pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", page, err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read rendered page %d: %w", page, err)
	}
	return imaging.Decode(data)
}
