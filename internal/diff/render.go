package diff

import (
	"bytes"
	"fmt"
	"html/template"
	"log"
	"strings"
)

// headers maps the triggering action to the comment headline. Unrecognized
// actions fall back to the default entry.
var headers = map[string]string{
	"resubmit":               "Record was resubmitted for review with the following changes:",
	"update_while_critiqued": "Record was updated after changes were requested!",
	"update_while_review":    "Record was updated! Please check the latest changes.",
	"default":                "Action triggered comment update",
}

// Engine classifies elements against its configured kinds and renders them
// into comment HTML.
type Engine struct {
	kinds []Kind
	tmpl  *template.Template
}

// NewEngine builds an engine with the given specialized kinds, tried in
// order; the generic kind is always the fallback and need not be listed.
func NewEngine(kinds ...Kind) *Engine {
	return &Engine{
		kinds: kinds,
		tmpl:  template.Must(template.New("comment").Parse(commentTemplate)),
	}
}

// Default returns an engine with the stock classification: the description
// kind, then the generic fallback.
func Default() *Engine {
	return NewEngine(DescriptionKind{})
}

func (e *Engine) classify(el Element) Kind {
	for _, kind := range e.kinds {
		if kind.Match(el) {
			return kind
		}
	}
	return GenericKind{}
}

type templateData struct {
	Header  string
	Adds    []string
	Changes []string
	Removes []string
}

// Render produces the comment HTML for a set of elements. Elements failing
// cleanup are logged and dropped; a template failure wraps ErrRender.
func (e *Engine) Render(elements []Element, action string) (string, error) {
	header, ok := headers[action]
	if !ok {
		header = headers["default"]
	}

	data := templateData{Header: header}
	for _, el := range elements {
		cleaned, err := e.classify(el).Cleanup(el)
		if err != nil {
			log.Printf("diff: dropping element %s %s: %v", el.Op, el.Path, err)
			continue
		}
		switch cleaned.Op {
		case OpAdd:
			data.Adds = append(data.Adds, formatEntries(cleaned)...)
		case OpChange:
			data.Changes = append(data.Changes, formatChange(cleaned))
		case OpRemove:
			data.Removes = append(data.Removes, formatEntries(cleaned)...)
		}
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	return buf.String(), nil
}

func formatChange(el Element) string {
	return fmt.Sprintf("%s: %v → %v", displayPath(el.Path), el.Old, el.New)
}

func formatEntries(el Element) []string {
	out := make([]string, 0, len(el.Entries))
	for _, entry := range el.Entries {
		out = append(out, fmt.Sprintf("%s: %v", displayPath(el.Path+"."+entry.Key), entry.Value))
	}
	return out
}

func displayPath(path string) string {
	return strings.ReplaceAll(path, ".", " ")
}

const commentTemplate = `<div class="curation-diff">
  <p><strong>{{.Header}}</strong></p>
{{- if .Adds}}
  <p>Added:</p>
  <ul>
{{- range .Adds}}
    <li>{{.}}</li>
{{- end}}
  </ul>
{{- end}}
{{- if .Changes}}
  <p>Changed:</p>
  <ul>
{{- range .Changes}}
    <li>{{.}}</li>
{{- end}}
  </ul>
{{- end}}
{{- if .Removes}}
  <p>Removed:</p>
  <ul>
{{- range .Removes}}
    <li>{{.}}</li>
{{- end}}
  </ul>
{{- end}}
</div>
`
