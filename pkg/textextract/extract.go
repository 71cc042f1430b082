package textextract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEncrypted         = errors.New("document is password protected")
	ErrCorrupted         = errors.New("document is corrupted")
	ErrTooLarge          = errors.New("document expands beyond the size limit")
)

const (
	FormatPDF      = "pdf"
	FormatDOCX     = "docx"
	FormatText     = "txt"
	FormatMarkdown = "markdown"
)

var (
	magicPDF = []byte("%PDF-")
	magicZip = []byte("PK\x03\x04")
	magicOLE = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
)

type ExtractedText struct {
	Content string
	Format  string
	Pages   int
	// PageOffsets[i] is the byte offset in Content where page i+1 begins.
	PageOffsets []int
	Title       string
	Author      string
}

// PageAt returns the 1-based page containing offset, or 0 when the format has
// no page structure.
func (e *ExtractedText) PageAt(offset int) int {
	if len(e.PageOffsets) == 0 {
		return 0
	}
	i := sort.Search(len(e.PageOffsets), func(i int) bool { return e.PageOffsets[i] > offset })
	if i == 0 {
		return 1
	}
	return i
}

// Metadata returns the non-empty descriptive fields for persistence.
func (e *ExtractedText) Metadata() map[string]string {
	m := map[string]string{"format": e.Format}
	if e.Title != "" {
		m["title"] = e.Title
	}
	if e.Author != "" {
		m["author"] = e.Author
	}
	return m
}

// Extract detects the document format from its leading bytes and returns its
// plain text. The filename only refines the label for text formats.
func Extract(data []byte, filename string) (*ExtractedText, error) {
	switch {
	case bytes.HasPrefix(data, magicPDF):
		return extractPDF(data)
	case bytes.HasPrefix(data, magicZip):
		return extractDOCX(data)
	case bytes.HasPrefix(data, magicOLE):
		if bytes.Contains(data, utf16LE("EncryptedPackage")) {
			return nil, ErrEncrypted
		}
		return nil, fmt.Errorf("%w: legacy office format", ErrUnsupportedFormat)
	default:
		return extractText(data, filename)
	}
}

func extractText(data []byte, filename string) (*ExtractedText, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil, ErrUnsupportedFormat
	}

	format := FormatText
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		format = FormatMarkdown
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	return &ExtractedText{
		Content: strings.TrimSpace(content),
		Format:  format,
		Pages:   1,
	}, nil
}

func utf16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		out = append(out, s[i], 0)
	}
	return out
}
