// Package guard validates files before extraction and polices worker
// resource use between pipeline stages.
package guard

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

// contentScanLimit bounds how much of the file the marker scan reads.
const contentScanLimit = 80 * 1024

// pdfActionPages is how many leading pages are checked for
// additional-actions annotations.
const pdfActionPages = 5

// deniedExtensions are rejected unconditionally.
var deniedExtensions = map[string]struct{}{
	".exe": {}, ".scr": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".pif": {},
	".vbs": {}, ".js": {}, ".jar": {}, ".app": {}, ".deb": {}, ".pkg": {},
	".dmg": {}, ".zip": {}, ".rar": {}, ".7z": {},
}

// suspiciousMarkers reject a file when found in its leading bytes.
var suspiciousMarkers = []string{"<script", "javascript:", "vbscript:", "<?php", "<%", "{{", "${"}

// FileSecurityReport is the outcome of inspecting one file.
type FileSecurityReport struct {
	IsSafe        bool     `json:"is_safe"`
	RiskScore     float64  `json:"risk_score"`
	Issues        []string `json:"issues"`
	DetectedType  string   `json:"detected_type"`
	SizeCompliant bool     `json:"size_compliant"`
	ContentClean  bool     `json:"content_clean"`
	SHA256        string   `json:"sha256"`
	PDFPages      int      `json:"pdf_pages,omitempty"`
}

// FileScanner inspects uploaded files before they enter extraction.
type FileScanner struct {
	maxBytes     int64
	maxPDFPages  int
	allowedTypes map[string]struct{}
}

// NewFileScanner builds a scanner. allowedTypes are MIME types; a detected
// type outside the list combined with a declared-type mismatch rejects.
func NewFileScanner(maxBytes int64, maxPDFPages int, allowedTypes []string) *FileScanner {
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.TrimSpace(strings.ToLower(t))] = struct{}{}
	}
	return &FileScanner{maxBytes: maxBytes, maxPDFPages: maxPDFPages, allowedTypes: allowed}
}

// Inspect runs the full gate: size, extension deny-list, MIME sniffing,
// marker scan, PDF structure checks and hashing. The report is always
// populated; IsSafe requires a risk score below 0.5 and zero issues.
func (s *FileScanner) Inspect(name, declaredType string, data []byte) FileSecurityReport {
	report := FileSecurityReport{
		SizeCompliant: true,
		ContentClean:  true,
	}

	sum := sha256.Sum256(data)
	report.SHA256 = hex.EncodeToString(sum[:])

	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		report.SizeCompliant = false
		report.Issues = append(report.Issues, fmt.Sprintf("file size %d exceeds limit %d", len(data), s.maxBytes))
		report.RiskScore += 0.5
	}

	ext := strings.ToLower(filepath.Ext(name))
	if _, denied := deniedExtensions[ext]; denied {
		report.Issues = append(report.Issues, "extension "+ext+" is not allowed")
		report.RiskScore += 1.0
	}

	detected := mimetype.Detect(data)
	report.DetectedType = detected.String()
	if declaredType != "" && !mimeMatches(detected, declaredType) {
		if s.typeAllowed(detected) {
			// Soft mismatch: declared header lies but the content itself
			// is an accepted format.
			report.RiskScore += 0.4
		} else {
			report.Issues = append(report.Issues,
				fmt.Sprintf("declared type %s does not match detected type %s", declaredType, report.DetectedType))
			report.RiskScore += 0.6
		}
	}

	scan := data
	if len(scan) > contentScanLimit {
		scan = scan[:contentScanLimit]
	}
	lower := strings.ToLower(string(scan))
	for _, marker := range suspiciousMarkers {
		if strings.Contains(lower, marker) {
			report.ContentClean = false
			report.Issues = append(report.Issues, "suspicious content marker "+marker)
			report.RiskScore += 0.3
		}
	}

	if detected.Is("application/pdf") || ext == ".pdf" {
		s.inspectPDF(data, &report)
	}

	if report.RiskScore > 1 {
		report.RiskScore = 1
	}
	report.IsSafe = report.RiskScore < 0.5 && len(report.Issues) == 0
	return report
}

// inspectPDF checks page count, embedded JavaScript and additional-actions
// annotations on the leading pages. A file the parser chokes on is treated
// as corrupt.
func (s *FileScanner) inspectPDF(data []byte, report *FileSecurityReport) {
	if bytes.Contains(data, []byte("/JavaScript")) {
		report.Issues = append(report.Issues, "PDF contains JavaScript")
		report.RiskScore += 0.8
	}

	defer func() {
		if r := recover(); r != nil {
			report.Issues = append(report.Issues, "PDF structure is corrupt")
			report.RiskScore += 0.5
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		report.Issues = append(report.Issues, "PDF structure is corrupt")
		report.RiskScore += 0.5
		return
	}

	pages := r.NumPage()
	report.PDFPages = pages
	if s.maxPDFPages > 0 && pages > s.maxPDFPages {
		report.Issues = append(report.Issues, fmt.Sprintf("PDF has %d pages, limit is %d", pages, s.maxPDFPages))
		report.RiskScore += 0.5
	}

	limit := pages
	if limit > pdfActionPages {
		limit = pdfActionPages
	}
	for i := 1; i <= limit; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		if !page.V.Key("AA").IsNull() {
			report.Issues = append(report.Issues, fmt.Sprintf("PDF page %d carries additional-actions annotations", i))
			report.RiskScore += 0.5
			break
		}
	}
}

func (s *FileScanner) typeAllowed(detected *mimetype.MIME) bool {
	if len(s.allowedTypes) == 0 {
		return true
	}
	for t := range s.allowedTypes {
		if detected.Is(t) {
			return true
		}
	}
	return false
}

// mimeMatches tolerates parameter suffixes ("text/plain; charset=utf-8")
// and parent types in the declared header.
func mimeMatches(detected *mimetype.MIME, declared string) bool {
	declared = strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
	}
	return false
}
