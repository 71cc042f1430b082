package textextract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxExpandedBytes bounds how far one compressed DOCX part may inflate.
var MaxExpandedBytes int64 = 64 << 20

// openBounded opens a zip member, failing with ErrTooLarge once more than
// MaxExpandedBytes come out of it, whatever its header claims.
func openBounded(f *zip.File) (io.ReadCloser, error) {
	if f.UncompressedSize64 > uint64(MaxExpandedBytes) {
		return nil, fmt.Errorf("%w: %s inflates to %d bytes", ErrTooLarge, f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	return &boundedReader{r: io.LimitReader(rc, MaxExpandedBytes+1), c: rc, max: MaxExpandedBytes}, nil
}

type boundedReader struct {
	r   io.Reader
	c   io.Closer
	n   int64
	max int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.n > b.max {
		return n, ErrTooLarge
	}
	return n, err
}

func (b *boundedReader) Close() error { return b.c.Close() }

func extractDOCX(data []byte) (*ExtractedText, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open DOCX: %v", ErrCorrupted, err)
	}

	var body, core *zip.File
	for _, f := range reader.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "docProps/core.xml":
			core = f
		}
	}
	if body == nil {
		return nil, fmt.Errorf("%w: archive has no word/document.xml", ErrUnsupportedFormat)
	}

	content, err := readDocumentXML(body)
	if errors.Is(err, ErrTooLarge) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read document.xml: %v", ErrCorrupted, err)
	}

	result := &ExtractedText{
		Content: content,
		Format:  FormatDOCX,
		Pages:   1,
	}
	if core != nil {
		// core properties are optional; a broken one does not fail extraction
		if props, err := readCoreXML(core); err == nil {
			result.Title = strings.TrimSpace(props.Title)
			result.Author = strings.TrimSpace(props.Creator)
		}
	}
	return result, nil
}

func readDocumentXML(f *zip.File) (string, error) {
	rc, err := openBounded(f)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var buf strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				buf.WriteByte('\t')
			case "br", "cr":
				buf.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				buf.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				buf.Write(t)
			}
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

type coreProperties struct {
	Title   string `xml:"title"`
	Creator string `xml:"creator"`
}

func readCoreXML(f *zip.File) (*coreProperties, error) {
	rc, err := openBounded(f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var props coreProperties
	if err := xml.NewDecoder(rc).Decode(&props); err != nil {
		return nil, err
	}
	return &props, nil
}
