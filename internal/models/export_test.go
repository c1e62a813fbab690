// internal/models/export_test.go
package models

import (
	"testing"
)

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		in     string
		want   ExportFormat
		wantOK bool
	}{
		{"markdown", ExportFormatMarkdown, true},
		{"md", ExportFormatMarkdown, true},
		{" MD ", ExportFormatMarkdown, true},
		{"txt", ExportFormatText, true},
		{"text", ExportFormatText, true},
		{"plain", ExportFormatText, true},
		{"HTML", ExportFormatHTML, true},
		{"json", ExportFormatJSON, true},
		{"pdf", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseExportFormat(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseExportFormat(%q) = (%q, %v), 期望 (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
