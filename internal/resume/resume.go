// Package resume extracts plain text from resume files so it can be attached
// to a questionnaire as additional context.
package resume

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

const maxResumeSize = 10 << 20 // 10MB

var whitespaceRe = regexp.MustCompile(`[ \t\x{00A0}]+`)

// ExtractText reads the file at path and returns its text content. PDF files
// are detected by magic bytes; everything else is treated as plain text.
func ExtractText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening resume: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxResumeSize+1))
	if err != nil {
		return "", fmt.Errorf("reading resume: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("resume file %s is empty", path)
	}
	if len(data) > maxResumeSize {
		return "", fmt.Errorf("resume file %s exceeds %d bytes", path, maxResumeSize)
	}

	if isPDF(data) {
		return extractPDF(data)
	}
	if !isProbablyText(data) {
		return "", fmt.Errorf("unsupported resume format in %s (want PDF or plain text)", path)
	}
	return collapseWhitespace(string(data)), nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF"))
}

func isProbablyText(data []byte) bool {
	n := min(len(data), 512)
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	text := collapseWhitespace(string(b))
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return text, nil
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(whitespaceRe.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
