package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	textTemplate "text/template"

	"github.com/nugget/sentinel/internal/store"
)

//go:embed templates/*.tmpl
var templateFiles embed.FS

var markdownTemplate = textTemplate.Must(textTemplate.New("report.md.tmpl").ParseFS(templateFiles, "templates/report.md.tmpl"))
var htmlTemplate = template.Must(template.New("report.html.tmpl").ParseFS(templateFiles, "templates/report.html.tmpl"))

// renderContext is the data available to both report templates.
type renderContext struct {
	Report     store.Report
	Activities []store.Activity
}

// renderMarkdown produces the §4.G render-stage body for format=markdown.
func renderMarkdown(report store.Report, sub store.Subscription, activities []store.Activity) (string, error) {
	var buf bytes.Buffer
	if err := markdownTemplate.Execute(&buf, renderContext{Report: report, Activities: activities}); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// renderHTML produces the §4.G render-stage body for format=html.
func renderHTML(report store.Report, sub store.Subscription, activities []store.Activity) (string, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, renderContext{Report: report, Activities: activities}); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}
