// Package tika extracts text from documents via an Apache Tika server.
//
// Plain extraction does a PUT /tika with Accept: text/plain. OCR reuses
// the same endpoint with the PDF OCR strategy forced, which routes image
// content through Tesseract on the Tika side.
package tika

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/pkg/textx"
)

// Client talks to a Tika server. It implements both the extractor and
// the OCR engine ports.
type Client struct {
	baseURL    string
	httpClient *http.Client
	ocrLang    string
}

var (
	_ domain.Extractor = (*Client)(nil)
	_ domain.OCREngine = (*Client)(nil)
)

// New constructs a Tika client. ocrLang is a Tesseract language code
// ("eng" when empty).
func New(baseURL string, timeout time.Duration, ocrLang string) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if ocrLang == "" {
		ocrLang = "eng"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		ocrLang: ocrLang,
	}
}

// Extract uploads the document and returns sanitized plain text.
func (c *Client) Extract(ctx context.Context, fileID, name string, data []byte) (string, error) {
	text, err := c.put(ctx, name, data, nil)
	if err != nil {
		msg := fmt.Sprintf("tika extraction failed for %s", fileID)
		if isTimeout(err) {
			msg = fmt.Sprintf("tika extraction timed out for %s", fileID)
		}
		return "", domain.NewPipelineError(domain.KindExtractionFailed, "extract", msg, err)
	}
	return text, nil
}

// OCR re-runs the document with the OCR strategy forced. Confidence is a
// heuristic over the returned text since Tika does not report one.
func (c *Client) OCR(ctx context.Context, fileID, name string, data []byte) (domain.OCRResult, error) {
	headers := map[string]string{
		"X-Tika-OCRLanguage":    c.ocrLang,
		"X-Tika-PDFOcrStrategy": "ocr_only",
	}
	text, err := c.put(ctx, name, data, headers)
	if err != nil {
		msg := fmt.Sprintf("tika ocr failed for %s", fileID)
		if isTimeout(err) {
			msg = fmt.Sprintf("tika ocr timed out for %s", fileID)
		}
		return domain.OCRResult{}, domain.NewPipelineError(domain.KindOCREngineError, "ocr", msg, err)
	}
	return domain.OCRResult{Text: text, Confidence: textConfidence(text)}, nil
}

func (c *Client) put(ctx context.Context, name string, data []byte, headers map[string]string) (string, error) {
	u := c.baseURL
	if u == "" {
		u = "http://localhost:9998"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/plain")
	if ct := contentTypeFromExt(filepath.Ext(name)); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tika status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	// Control characters out, whitespace collapsed to single spaces.
	sanitized := textx.SanitizeText(string(b))
	return strings.Join(strings.Fields(sanitized), " "), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// textConfidence scores OCR output by the share of word-like runes.
// Heavily garbled scans drop well below the warning threshold.
func textConfidence(text string) float64 {
	if text == "" {
		return 0
	}
	var total, good int
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || unicode.IsPunct(r) {
			good++
		}
	}
	return float64(good) / float64(total)
}

func contentTypeFromExt(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	default:
		if ext != "" {
			return mime.TypeByExtension(ext)
		}
	}
	return ""
}
