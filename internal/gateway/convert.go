package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type Format string

const (
	Docx Format = "docx"
	Pdf  Format = "pdf"
)

func (f Format) ContentType() string {
	switch f {
	case Docx:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case Pdf:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// Converter turns document html into a downloadable file.
type Converter interface {
	Convert(ctx context.Context, html string, format Format) ([]byte, error)
}

// Pandoc runs the pandoc binary. Output goes through a temp file in Dir since
// pandoc refuses to write binary formats to stdout.
type Pandoc struct {
	Path string // defaults to "pandoc" on PATH
	Dir  string // defaults to os.TempDir()
}

func (p Pandoc) args(format Format, out string) []string {
	args := []string{"-f", "html"}
	// pdf is picked from the output extension; there is no "-t pdf" writer
	if format != Pdf {
		args = append(args, "-t", string(format))
	}
	return append(args, "-o", out)
}

func (p Pandoc) Convert(ctx context.Context, html string, format Format) ([]byte, error) {
	bin := p.Path
	if bin == "" {
		bin = "pandoc"
	}

	f, err := os.CreateTemp(p.Dir, "export-*."+string(format))
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	out := f.Name()
	f.Close()
	defer os.Remove(out)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, p.args(format, out)...)
	cmd.Stdin = strings.NewReader(html)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run pandoc: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read pandoc output: %w", err)
	}
	return data, nil
}
