// Package notesfixture is a small notes application used as the page under
// test. It serves the same behaviour two ways: an HTTP handler with a real
// page for browser backends, and a sim.Program for the simulated one.
package notesfixture

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned when a post does not exist.
var ErrNotFound = errors.New("post not found")

// Post is one entry in the grid.
type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags"`
}

// Hit records one request the fixture server received.
type Hit struct {
	Method string
	Path   string
	// Session is the page session id the request was tagged with, if any.
	Session string
}

// Store holds posts in memory. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	posts []Post
	hits  []Hit
}

// NewStore returns a store holding posts, or the default posts when none
// are given.
func NewStore(posts ...Post) *Store {
	if len(posts) == 0 {
		posts = DefaultPosts()
	}
	return &Store{posts: slices.Clone(posts)}
}

// DefaultPosts is the seed data. Every body is a single paragraph.
func DefaultPosts() []Post {
	base := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	return []Post{
		{
			ID:        "1",
			Title:     "Getting started",
			Body:      "Notes are written in **markdown** and rendered on the server.",
			Author:    "Ada",
			CreatedAt: base,
			Tags:      []string{"intro", "markdown"},
		},
		{
			ID:        "2",
			Title:     "Layout",
			Body:      "The grid shows three columns on desktop, two on tablets and one on phones.",
			Author:    "Grace",
			CreatedAt: base.Add(26 * time.Hour),
			Tags:      []string{"css"},
		},
		{
			ID:        "3",
			Title:     "Deleting",
			Body:      "Hover a card to reveal its delete button. Failed deletes keep the card.",
			Author:    "Linus",
			CreatedAt: base.Add(51 * time.Hour),
			Tags:      []string{"ui", "errors"},
		},
		{
			ID:        "4",
			Title:     "Links",
			Body:      "See the [changelog](https://example.com/changelog) for what moved.",
			Author:    "Barbara",
			CreatedAt: base.Add(75 * time.Hour),
			Tags:      []string{"meta"},
		},
	}
}

// List returns the posts, newest first.
func (s *Store) List() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.posts)
	slices.SortStableFunc(out, func(a, b Post) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// Delete removes the post with id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.posts, func(p Post) bool { return p.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	s.posts = slices.Delete(s.posts, i, i+1)
	return nil
}

// Len is the number of posts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

// Hits returns every request received so far, oldest first.
func (s *Store) Hits() []Hit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.hits)
}

// HitCount counts received requests with method and path.
func (s *Store) HitCount(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.hits {
		if h.Method == method && h.Path == path {
			n++
		}
	}
	return n
}

func (s *Store) record(h Hit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = append(s.hits, h)
}
