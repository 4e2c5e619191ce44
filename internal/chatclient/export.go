// ABOUTME: Renders a conversation transcript as markdown or as a standalone HTML page
// ABOUTME: HTML goes through goldmark so assistant markdown (tables, lists) survives

package chatclient

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var roleLabels = map[string]string{
	"user":      "You",
	"assistant": "Assistant",
	"tool":      "Tool",
}

// Markdown renders the transcript under the given title.
func Markdown(title string, msgs []Message) string {
	var b strings.Builder
	if title == "" {
		title = "Conversation"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, m := range msgs {
		label, ok := roleLabels[m.Role]
		if !ok {
			label = m.Role
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", label, strings.TrimSpace(m.Content))
		if len(m.Citations) > 0 {
			b.WriteString("Sources:\n\n")
			for _, c := range m.Citations {
				fmt.Fprintf(&b, "- %s\n", c)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var pageTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the transcript as a standalone page.
func HTML(title string, msgs []Message) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(Markdown(title, msgs)), &body); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}

	if title == "" {
		title = "Conversation"
	}
	var page bytes.Buffer
	err := pageTemplate.Execute(&page, struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return "", fmt.Errorf("rendering page: %w", err)
	}
	return page.String(), nil
}
