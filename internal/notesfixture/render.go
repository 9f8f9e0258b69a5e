package notesfixture

import (
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.UGCPolicy()

// renderMarkdown converts a post body to sanitised HTML.
func renderMarkdown(s string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.NoEmptyLineBeforeBlock)
	doc := p.Parse([]byte(s))

	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.HrefTargetBlank,
	})
	return string(policy.SanitizeBytes(markdown.Render(doc, renderer)))
}

// PostView is a post as the page receives it.
type PostView struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	HTML      string   `json:"html"`
	Author    string   `json:"author"`
	CreatedAt string   `json:"created_at"`
	Tags      []string `json:"tags"`
}

func viewOf(p Post) PostView {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return PostView{
		ID:        p.ID,
		Title:     p.Title,
		HTML:      renderMarkdown(p.Body),
		Author:    p.Author,
		CreatedAt: p.CreatedAt.Format("Jan 2, 2006"),
		Tags:      tags,
	}
}
