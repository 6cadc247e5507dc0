// Package library tracks the currently detected book and handles explicit
// book-switch utterances. The catalog itself lives elsewhere; this is only
// the narrow context interface the pipeline consumes.
package library

import (
	"log/slog"
	"strings"

	"github.com/booklistener/companion/internal/syncx"
)

// Book identifies the reading context attached to utterances and answers.
type Book struct {
	Title  string
	Author string
}

// IsZero reports whether no book context is set.
func (b Book) IsZero() bool { return b.Title == "" }

// Key returns a normalized string used in cache keys. The same question
// about two different books must never collide.
func (b Book) Key() string {
	if b.IsZero() {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(b.Title)) + "|" + strings.ToLower(strings.TrimSpace(b.Author))
}

// Provider supplies the current book and accepts switch signals.
type Provider struct {
	current *syncx.RWGuard[Book]
}

// NewProvider creates a provider with no current book.
func NewProvider() *Provider {
	return &Provider{current: syncx.NewGuard(Book{})}
}

// Current returns the current book context.
func (p *Provider) Current() Book { return p.current.Get() }

// Set replaces the current book context.
func (p *Provider) Set(b Book) {
	old := p.current.Swap(b)
	if old != b {
		slog.Info("book context changed", "title", b.Title, "author", b.Author)
	}
}

// Observe inspects an utterance for an explicit book switch and applies it.
// Returns the new book and true when a switch happened.
func (p *Provider) Observe(text string) (Book, bool) {
	book, ok := DetectSwitch(text)
	if !ok {
		return Book{}, false
	}
	p.Set(book)
	return book, true
}

var switchPhrases = []string{
	"i'm reading ",
	"i am reading ",
	"im reading ",
	"switch to ",
	"now reading ",
	"started reading ",
}

// DetectSwitch parses explicit utterances like "I'm reading Dune by Frank
// Herbert" or "switch to The Odyssey". Title casing is preserved from the
// original text.
func DetectSwitch(text string) (Book, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	for _, phrase := range switchPhrases {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(trimmed[idx+len(phrase):])
		rest = strings.TrimRight(rest, ".!?,")
		if rest == "" {
			continue
		}

		book := Book{Title: rest}
		if byIdx := strings.LastIndex(strings.ToLower(rest), " by "); byIdx > 0 {
			book.Title = strings.TrimSpace(rest[:byIdx])
			book.Author = strings.TrimSpace(rest[byIdx+4:])
		}
		return book, true
	}
	return Book{}, false
}
