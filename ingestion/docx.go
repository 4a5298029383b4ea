package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// wordNamespace is the WordprocessingML main namespace.
const wordNamespace = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

func extractDOCX(path string) ([]Page, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer archive.Close()

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open document.xml: %w", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read document.xml: %w", err)
		}

		text, err := parseDocumentXML(content)
		if err != nil {
			return nil, err
		}
		return []Page{{Text: text}}, nil
	}
	return nil, errors.New("docx: word/document.xml not found")
}

// parseDocumentXML walks every element of document.xml so text nested in
// hyperlinks, tables and content controls is kept in document order.
func parseDocumentXML(content []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(content))

	var b strings.Builder
	inText := false
	// Depth inside property elements (w:pPr, w:rPr, ...), whose w:tab
	// children are tab stop definitions rather than text.
	props := 0
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if !isWordElement(el.Name) {
				continue
			}
			if strings.HasSuffix(el.Name.Local, "Pr") {
				props++
				continue
			}
			if props > 0 {
				continue
			}
			switch el.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteString("\t")
			case "br", "cr":
				b.WriteString("\n")
			}
		case xml.EndElement:
			if !isWordElement(el.Name) {
				continue
			}
			if strings.HasSuffix(el.Name.Local, "Pr") {
				props--
				continue
			}
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(el)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func isWordElement(name xml.Name) bool {
	return name.Space == wordNamespace || name.Space == ""
}
