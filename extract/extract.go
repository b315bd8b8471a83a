// Package extract pulls plain text out of uploaded files before they reach
// the engine, which only ever sees extracted text. Used by the CLI and the
// HTTP surface; core packages never import it.
package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// Text extracts plain text from the payload based on the file extension.
// Unknown extensions are tried as UTF-8 text.
func Text(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return pdfText(data)
	case ".csv":
		return csvText(data)
	default:
		return normalize(string(data)), nil
	}
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	return normalize(buf.String()), nil
}

// csvText renders each row as labeled lines so row values stay attached to
// their column names after chunking.
func csvText(data []byte) (string, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	headers := records[0]
	var sb strings.Builder
	for idx, row := range records[1:] {
		fmt.Fprintf(&sb, "Row %d\n", idx+1)
		for i, value := range row {
			label := fmt.Sprintf("Column %d", i+1)
			if i < len(headers) && strings.TrimSpace(headers[i]) != "" {
				label = strings.TrimSpace(headers[i])
			}
			fmt.Fprintf(&sb, "%s: %s\n", label, strings.TrimSpace(value))
		}
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n"), nil
}

func normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
