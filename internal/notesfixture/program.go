package notesfixture

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kuitang/pagecheck/internal/driver/sim"
)

var cardTemplate = template.Must(template.New("card").Parse(
	`<article class="post-card" data-id="{{.ID}}">` +
		`<button class="delete-button" type="button" aria-label="Delete post">×</button>` +
		`<h2>{{.Title}}</h2>` +
		`<div class="post-body">{{.Body}}</div>` +
		`<div class="post-meta"><span class="author">{{.Author}}</span> · <time>{{.CreatedAt}}</time></div>` +
		`<div class="tags">{{range .Tags}}<span class="tag">{{.}}</span>{{end}}</div>` +
		`</article>`))

type cardData struct {
	PostView
	Body template.HTML
}

func cardHTML(v PostView) (string, error) {
	var b strings.Builder
	// HTML was sanitised when the server rendered it.
	if err := cardTemplate.Execute(&b, cardData{PostView: v, Body: template.HTML(v.HTML)}); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Program is the page script of the notes page for the simulated backend.
// It loads the posts, renders the grid and deletes cards on request,
// showing the error banner when a request fails.
func Program() sim.Program {
	return func(p *sim.Page) {
		p.Fetch(http.MethodGet, "/api/posts", nil, func(p *sim.Page, resp *sim.Response, err error) {
			defer p.Find(".loading").Remove()

			posts, err := decodePosts(resp, err)
			if err != nil {
				showError(p, "Could not load posts: "+err.Error())
				return
			}
			grid := p.Find(".posts-grid")
			for _, v := range posts {
				card, err := cardHTML(v)
				if err != nil {
					p.Logger().Error("card_render_failed", "post_id", v.ID, "error", err)
					continue
				}
				grid.AppendHtml(card)
			}
		})

		p.On("click", ".delete-button", func(p *sim.Page, button *goquery.Selection) {
			card := button.Closest(".post-card")
			id, ok := card.Attr("data-id")
			if !ok {
				return
			}
			p.Fetch(http.MethodDelete, "/api/posts/"+url.PathEscape(id), nil, func(p *sim.Page, resp *sim.Response, err error) {
				if err == nil && !resp.OK() {
					err = fmt.Errorf("HTTP %d", resp.Status)
				}
				if err != nil {
					showError(p, "Could not delete post: "+err.Error())
					return
				}
				card.Remove()
			})
		})
	}
}

func decodePosts(resp *sim.Response, err error) ([]PostView, error) {
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("HTTP %d", resp.Status)
	}
	var posts []PostView
	if err := json.Unmarshal(resp.Body, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func showError(p *sim.Page, message string) {
	p.Find(".error-banner").SetText(message).RemoveAttr("hidden")
}
