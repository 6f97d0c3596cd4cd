package guard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/doc-indexer/internal/service/guard"
)

var allowedTypes = []string{"application/pdf", "text/plain", "text/markdown"}

func newScanner() *guard.FileScanner {
	return guard.NewFileScanner(30*1024*1024, 500, allowedTypes)
}

func TestInspect_CleanTextFile(t *testing.T) {
	report := newScanner().Inspect("notes.txt", "text/plain",
		[]byte("Chapter one. The dragon slept beneath the mountain for a hundred years."))
	assert.True(t, report.IsSafe)
	assert.Empty(t, report.Issues)
	assert.True(t, report.SizeCompliant)
	assert.True(t, report.ContentClean)
	assert.NotEmpty(t, report.SHA256)
	assert.Contains(t, report.DetectedType, "text/plain")
}

func TestInspect_DeniedExtension(t *testing.T) {
	for _, name := range []string{"tool.exe", "run.bat", "archive.zip", "lib.jar"} {
		report := newScanner().Inspect(name, "", []byte("whatever"))
		assert.False(t, report.IsSafe, name)
		assert.NotEmpty(t, report.Issues, name)
	}
}

func TestInspect_SuspiciousMarkers(t *testing.T) {
	cases := []string{
		"hello <SCRIPT>alert(1)</script>",
		"click javascript:run()",
		"<?php system($_GET['c']); ?>",
		"template ${payload} here",
	}
	for _, body := range cases {
		report := newScanner().Inspect("page.txt", "text/plain", []byte(body))
		assert.False(t, report.IsSafe, body)
		assert.False(t, report.ContentClean, body)
	}
}

func TestInspect_SizeGate(t *testing.T) {
	s := guard.NewFileScanner(64, 500, allowedTypes)
	report := s.Inspect("big.txt", "text/plain", make([]byte, 128))
	assert.False(t, report.IsSafe)
	assert.False(t, report.SizeCompliant)
}

func TestInspect_DeclaredMismatchIsSoftWhenDetectedAllowed(t *testing.T) {
	// Declared PDF, actually plain text. Content is an accepted format so
	// the mismatch only raises the risk score.
	report := newScanner().Inspect("doc.txt", "application/pdf",
		[]byte("Just an ordinary paragraph of prose, nothing else."))
	assert.Empty(t, report.Issues)
	assert.InDelta(t, 0.4, report.RiskScore, 1e-9)
	assert.True(t, report.IsSafe)
}

func TestInspect_PDFWithJavaScript(t *testing.T) {
	body := []byte("%PDF-1.4\n1 0 obj\n<< /OpenAction << /S /JavaScript /JS (app.alert(1)) >> >>\nendobj")
	report := newScanner().Inspect("evil.pdf", "application/pdf", body)
	assert.False(t, report.IsSafe)
	assert.Contains(t, report.Issues, "PDF contains JavaScript")
}

func TestInspect_CorruptPDF(t *testing.T) {
	report := newScanner().Inspect("broken.pdf", "application/pdf", []byte("%PDF-1.4 truncated garbage"))
	assert.False(t, report.IsSafe)
	assert.NotEmpty(t, report.Issues)
}

func TestInspect_HashIsStable(t *testing.T) {
	data := []byte("same bytes")
	a := newScanner().Inspect("a.txt", "text/plain", data)
	b := newScanner().Inspect("b.txt", "text/plain", data)
	assert.Equal(t, a.SHA256, b.SHA256)
}
