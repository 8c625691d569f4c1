package export

import (
	"bytes"
	"html/template"
	"time"
)

// TemplateData holds data for report template rendering
type TemplateData struct {
	Request     RequestInfo
	Record      RecordInfo
	Timeline    []EventInfo
	GeneratedAt time.Time
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04")
	},
	"safeHTML": func(s string) template.HTML {
		// Comment content is HTML rendered by the diff engine; everything
		// that flows into it was escaped there.
		return template.HTML(s)
	},
}).Parse(reportTemplateText))

// RenderReportHTML renders the curation report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateText = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Curation report: {{.Record.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .status { display: inline-block; padding: 0.1rem 0.5rem; border-radius: 3px; background: #eee; }
    .event { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .event .who { color: #666; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>Curation report: {{.Record.Title}}</h1>
  <div class="meta">
    Request {{.Request.ID}} | status <span class="status">{{.Request.Status}}</span> |
    opened by {{.Request.CreatedByName}} on {{formatDate .Request.CreatedAt}} |
    generated {{formatDate .GeneratedAt}}
  </div>
  <p>
    Record {{.Record.ID}} (version {{.Record.Version}}), owned by {{.Record.OwnerName}},
    {{if .Record.IsPublished}}published{{else}}not published{{end}}.
  </p>
  {{if .Timeline}}
  <h2>Timeline</h2>
  {{range .Timeline}}
  <div class="event">
    <div class="who">{{.Author}} &mdash; {{formatDate .CreatedAt}}</div>
    {{if eq .Type "C"}}{{safeHTML .Content}}{{else}}<p>{{.Content}}</p>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
