package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var boardTemplate = template.Must(template.New("board.html").Funcs(template.FuncMap{
	"formatDate": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("02/01/2006")
	},
	"formatDateTime": func(t time.Time) string {
		return t.Format("02/01/2006 15:04")
	},
}).ParseFS(templateFS, "templates/board.html"))

// RenderBoardHTML renders the board report template.
func RenderBoardHTML(report Report) (string, error) {
	var buf bytes.Buffer
	if err := boardTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}
