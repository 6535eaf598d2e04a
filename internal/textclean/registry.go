// Package textclean turns provider answers (plain text, markdown or HTML)
// into plain text suitable for embedding and prompting.
package textclean

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Format is the detected markup of a text.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// Cleaner strips one markup format.
type Cleaner interface {
	Clean(content string) string
	Format() Format
	// Priority breaks ties when several cleaners claim a format.
	Priority() int
}

// Registry selects a cleaner per detected format, highest priority first.
type Registry struct {
	mu       sync.RWMutex
	cleaners []Cleaner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a cleaner.
func (r *Registry) Register(c Cleaner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaners = append(r.cleaners, c)
}

// Get returns the best cleaner for format, falling back to the plain cleaner.
func (r *Registry) Get(format Format) Cleaner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c := r.best(format); c != nil {
		return c
	}
	if c := r.best(FormatPlain); c != nil {
		return c
	}
	return &PlainCleaner{}
}

func (r *Registry) best(format Format) Cleaner {
	var matches []Cleaner
	for _, c := range r.cleaners {
		if c.Format() == format {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Priority() > matches[j].Priority()
	})
	return matches[0]
}

// Clean detects the format of content and applies the matching cleaner.
func (r *Registry) Clean(content string) string {
	return r.Get(Detect(content)).Clean(content)
}

// DefaultRegistry creates a registry with the built-in cleaners.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&PlainCleaner{})
	r.Register(&MarkdownCleaner{})
	r.Register(&HTMLCleaner{})
	return r
}

var (
	htmlTagPattern  = regexp.MustCompile(`(?i)</?(html|body|p|div|span|br|ul|ol|li|table|tr|td|h[1-6]|strong|em|a)\b[^>]*>`)
	mdSignalPattern = regexp.MustCompile("(?m)^(#{1,6} |[-*+] |\\d+\\. |> |```)|\\*\\*[^*]+\\*\\*|__[^_]+__|\\[[^\\]]+\\]\\([^)]+\\)")
)

// Detect guesses the markup of content. HTML wins over markdown.
func Detect(content string) Format {
	switch {
	case htmlTagPattern.MatchString(content):
		return FormatHTML
	case mdSignalPattern.MatchString(content):
		return FormatMarkdown
	default:
		return FormatPlain
	}
}

// PlainCleaner normalises line endings and whitespace.
type PlainCleaner struct{}

func (c *PlainCleaner) Clean(content string) string {
	return collapseWhitespace(content)
}

func (c *PlainCleaner) Format() Format { return FormatPlain }

func (c *PlainCleaner) Priority() int { return 1 }

var (
	mdFence    = regexp.MustCompile("(?m)^```[a-zA-Z0-9]*\\s*$")
	mdHeading  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdQuote    = regexp.MustCompile(`(?m)^>\s?`)
	mdBullet   = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdEmphasis = regexp.MustCompile(`(\*\*|__)([^*_]+)(\*\*|__)`)
	mdItalic   = regexp.MustCompile(`(^|\s)[*_]([^*_\s][^*_]*)[*_]`)
	mdCode     = regexp.MustCompile("`([^`]+)`")
	mdRule     = regexp.MustCompile(`(?m)^\s*([-*_]\s*){3,}$`)
)

// MarkdownCleaner strips markdown markers and keeps the text.
type MarkdownCleaner struct{}

func (c *MarkdownCleaner) Clean(content string) string {
	content = mdFence.ReplaceAllString(content, "")
	content = mdRule.ReplaceAllString(content, "")
	content = mdHeading.ReplaceAllString(content, "")
	content = mdQuote.ReplaceAllString(content, "")
	content = mdBullet.ReplaceAllString(content, "")
	content = mdLink.ReplaceAllString(content, "$1")
	content = mdEmphasis.ReplaceAllString(content, "$2")
	content = mdItalic.ReplaceAllString(content, "$1$2")
	content = mdCode.ReplaceAllString(content, "$1")
	return collapseWhitespace(content)
}

func (c *MarkdownCleaner) Format() Format { return FormatMarkdown }

func (c *MarkdownCleaner) Priority() int { return 50 }

// HTMLCleaner extracts visible text with goquery.
type HTMLCleaner struct{}

func (c *HTMLCleaner) Clean(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return collapseWhitespace(content)
	}
	doc.Find("script, style, noscript").Remove()
	// Block elements become line breaks so paragraphs survive extraction.
	doc.Find("p, div, br, li, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return collapseWhitespace(doc.Text())
}

func (c *HTMLCleaner) Format() Format { return FormatHTML }

func (c *HTMLCleaner) Priority() int { return 50 }

// collapseWhitespace normalises line endings, collapses runs of spaces
// within lines and keeps at most one blank line between paragraphs.
func collapseWhitespace(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
