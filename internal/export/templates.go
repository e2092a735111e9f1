package export

import (
	"bytes"
	"html/template"
	"time"
)

var summaryTemplate = template.Must(template.New("summary").Parse(summaryTemplateText))

// TemplateNode is one graph node row in the summary table.
type TemplateNode struct {
	ID    string
	Label string
	X     float64
	Y     float64
}

// TemplateEdge is one connection row in the summary table.
type TemplateEdge struct {
	SourceLabel string
	TargetLabel string
	Label       string
}

// TemplateComment is one comment in the discussion section.
type TemplateComment struct {
	Author    string
	Body      string
	NodeLabel string
}

// TemplateData holds data for the summary template.
type TemplateData struct {
	ProjectName string
	OwnerName   string
	GeneratedAt time.Time
	Nodes       []TemplateNode
	Edges       []TemplateEdge
	Comments    []TemplateComment
}

// RenderSummaryHTML renders the project summary template.
func RenderSummaryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const summaryTemplateText = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ProjectName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 6px 10px; text-align: left; font-size: 0.9em; }
    th { background: #f0f0f0; }
    .comment { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .comment .author { font-weight: bold; }
    .comment .anchor { color: #666; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>{{.ProjectName}}</h1>
  <div class="meta">Owner: {{.OwnerName}} | Generated {{.GeneratedAt.Format "Jan 2, 2006 15:04"}} | {{len .Nodes}} nodes, {{len .Edges}} edges</div>

  <h2>Nodes</h2>
  {{if .Nodes}}
  <table>
    <tr><th>Label</th><th>ID</th><th>Position</th></tr>
    {{range .Nodes}}<tr><td>{{.Label}}</td><td>{{.ID}}</td><td>({{printf "%.0f" .X}}, {{printf "%.0f" .Y}})</td></tr>
    {{end}}
  </table>
  {{else}}<p>No nodes.</p>{{end}}

  <h2>Connections</h2>
  {{if .Edges}}
  <table>
    <tr><th>From</th><th>To</th><th>Label</th></tr>
    {{range .Edges}}<tr><td>{{.SourceLabel}}</td><td>{{.TargetLabel}}</td><td>{{.Label}}</td></tr>
    {{end}}
  </table>
  {{else}}<p>No connections.</p>{{end}}

  {{if .Comments}}
  <h2>Comments</h2>
  {{range .Comments}}
  <div class="comment">
    <span class="author">{{.Author}}</span>
    {{if .NodeLabel}}<span class="anchor"> on {{.NodeLabel}}</span>{{end}}
    <p>{{.Body}}</p>
  </div>
  {{end}}
  {{end}}
</body>
</html>`
