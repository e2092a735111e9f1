package export

import (
	"strings"
	"testing"
	"time"
)

func TestRenderSummaryHTML(t *testing.T) {
	data := TemplateData{
		ProjectName: "Network Map",
		OwnerName:   "Avery",
		GeneratedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Nodes: []TemplateNode{
			{ID: "n1", Label: "Router", X: 100, Y: 200},
			{ID: "n2", Label: "Switch", X: 300, Y: 200},
		},
		Edges: []TemplateEdge{
			{SourceLabel: "Router", TargetLabel: "Switch", Label: "uplink"},
		},
		Comments: []TemplateComment{
			{Author: "Blake", Body: "Check this port", NodeLabel: "Switch"},
		},
	}

	html, err := RenderSummaryHTML(data)
	if err != nil {
		t.Fatalf("RenderSummaryHTML failed: %v", err)
	}

	for _, want := range []string{"Network Map", "Avery", "Router", "Switch", "uplink", "Blake", "Check this port"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
	if !strings.Contains(html, "2 nodes, 1 edges") {
		t.Error("rendered HTML should include node and edge counts")
	}
}

func TestRenderSummaryHTMLEmptyGraph(t *testing.T) {
	html, err := RenderSummaryHTML(TemplateData{ProjectName: "Empty", GeneratedAt: time.Now()})
	if err != nil {
		t.Fatalf("RenderSummaryHTML failed: %v", err)
	}
	if !strings.Contains(html, "No nodes.") || !strings.Contains(html, "No connections.") {
		t.Error("empty graph should render placeholder sections")
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"hello world", "hello%20world"},
		{"a+b", "a%2Bb"},
		{"café", "caf%C3%A9"},
		{"safe-._~chars", "safe-._~chars"},
	}

	for _, tt := range tests {
		if got := percentEncodeForDataURL(tt.input); got != tt.expected {
			t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Network Map", "Network-Map"},
		{"a/b\\c", "abc"},
		{"", "project"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}

	for _, tt := range tests {
		if got := sanitizeFilename(tt.input); got != tt.expected {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
