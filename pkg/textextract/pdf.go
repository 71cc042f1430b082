package textextract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

func extractPDF(data []byte) (result *ExtractedText, err error) {
	if bytes.Contains(data, []byte("/Encrypt")) {
		return nil, ErrEncrypted
	}

	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrCorrupted, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, ErrEncrypted
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	var buf strings.Builder
	numPages := reader.NumPage()
	offsets := make([]int, 0, numPages)

	for i := 1; i <= numPages; i++ {
		offsets = append(offsets, buf.Len())
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(strings.TrimSpace(text))
		buf.WriteString("\n\n")
	}

	info := reader.Trailer().Key("Info")
	return &ExtractedText{
		Content:     strings.TrimRight(buf.String(), "\n"),
		Format:      FormatPDF,
		Pages:       numPages,
		PageOffsets: offsets,
		Title:       strings.TrimSpace(info.Key("Title").Text()),
		Author:      strings.TrimSpace(info.Key("Author").Text()),
	}, nil
}
