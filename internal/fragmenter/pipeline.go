// Package fragmenter splits cleaned text into overlapping fragments for embedding.
package fragmenter

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Fragment is one piece of text cut from a larger answer.
type Fragment struct {
	Text        string
	Position    int
	StartOffset int
	EndOffset   int
}

// Processor transforms the fragment list. Processors run by ascending Order.
type Processor interface {
	Process(fragments []Fragment) []Fragment
	Name() string
	Order() int
}

// Pipeline chains processors, starting from one fragment holding all content.
type Pipeline struct {
	mu         sync.RWMutex
	processors []Processor
	sorted     bool
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Add adds a processor to the pipeline.
func (p *Pipeline) Add(processor Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processors = append(p.processors, processor)
	p.sorted = false
}

// Split applies every processor in order and renumbers positions.
func (p *Pipeline) Split(content string) []Fragment {
	p.mu.Lock()
	if !p.sorted {
		sort.SliceStable(p.processors, func(i, j int) bool {
			return p.processors[i].Order() < p.processors[j].Order()
		})
		p.sorted = true
	}
	processors := append([]Processor(nil), p.processors...)
	p.mu.Unlock()

	fragments := []Fragment{{Text: content, EndOffset: len(content)}}
	for _, proc := range processors {
		fragments = proc.Process(fragments)
	}
	for i := range fragments {
		fragments[i].Position = i
	}
	return fragments
}

// List returns processor names in order of registration or, once split has run, execution.
func (p *Pipeline) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.processors))
	for i, proc := range p.processors {
		names[i] = proc.Name()
	}
	return names
}

// Config configures the default pipeline.
type Config struct {
	// MaxChars is the maximum bytes per fragment
	MaxChars int
	// Overlap is the byte overlap between consecutive fragments
	Overlap int
	// MinChars drops fragments shorter than this after normalisation
	MinChars int
}

// DefaultConfig returns the fragmenting defaults.
func DefaultConfig() Config {
	return Config{
		MaxChars: 1000,
		Overlap:  200,
		MinChars: 40,
	}
}

// DefaultPipeline chunks, normalises whitespace, drops duplicates and
// drops fragments shorter than cfg.MinChars.
func DefaultPipeline(cfg Config) *Pipeline {
	p := NewPipeline()
	p.Add(NewChunker(cfg.MaxChars, cfg.Overlap))
	p.Add(&WhitespaceNormaliser{})
	p.Add(&Deduplicator{})
	p.Add(&MinLengthFilter{MinChars: cfg.MinChars})
	return p
}

// Chunker splits content into overlapping chunks, preferring paragraph,
// sentence and word boundaries. Cuts never split a UTF-8 sequence.
type Chunker struct {
	maxChars int
	overlap  int
}

// NewChunker creates a chunker. Overlap must be smaller than maxChars.
func NewChunker(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultConfig().MaxChars
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = 0
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}
}

func (c *Chunker) Name() string { return "chunker" }

func (c *Chunker) Order() int { return 0 }

func (c *Chunker) Process(fragments []Fragment) []Fragment {
	var out []Fragment
	for _, f := range fragments {
		out = append(out, c.split(f.Text, f.StartOffset)...)
	}
	return out
}

func (c *Chunker) split(content string, base int) []Fragment {
	if len(content) <= c.maxChars {
		return []Fragment{{Text: content, StartOffset: base, EndOffset: base + len(content)}}
	}

	var out []Fragment
	start := 0
	for start < len(content) {
		end := min(start+c.maxChars, len(content))
		if end < len(content) {
			if bp := breakPoint(content, start, end); bp > start {
				end = bp
			}
			end = runeBoundary(content, end)
		}

		out = append(out, Fragment{
			Text:        content[start:end],
			StartOffset: base + start,
			EndOffset:   base + end,
		})
		if end >= len(content) {
			break
		}

		next := runeBoundary(content, end-c.overlap)
		if next <= start {
			next = runeBoundary(content, end)
		}
		start = next
	}
	return out
}

// runeBoundary moves i back to the start of the rune containing it.
func runeBoundary(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// breakPoint looks for a boundary in the last 100 bytes before maxEnd.
func breakPoint(content string, start, maxEnd int) int {
	from := max(maxEnd-100, start)
	window := content[from:maxEnd]

	if idx := strings.LastIndex(window, "\n\n"); idx != -1 {
		return from + idx + 2
	}

	best := -1
	for _, ender := range sentenceEnders {
		if idx := strings.LastIndex(window, ender); idx != -1 && idx+len(ender) > best {
			best = idx + len(ender)
		}
	}
	if best > 0 {
		return from + best
	}

	if idx := strings.LastIndex(window, " "); idx != -1 {
		return from + idx + 1
	}
	return maxEnd
}

// WhitespaceNormaliser collapses spaces inside lines and trims fragments.
// Fragments that end up empty are dropped.
type WhitespaceNormaliser struct{}

func (w *WhitespaceNormaliser) Name() string { return "whitespace" }

func (w *WhitespaceNormaliser) Order() int { return 5 }

func (w *WhitespaceNormaliser) Process(fragments []Fragment) []Fragment {
	out := make([]Fragment, 0, len(fragments))
	for _, f := range fragments {
		lines := strings.Split(f.Text, "\n")
		for i, line := range lines {
			lines[i] = strings.Join(strings.Fields(line), " ")
		}
		text := strings.Join(lines, "\n")
		for strings.Contains(text, "\n\n\n") {
			text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		f.Text = text
		out = append(out, f)
	}
	return out
}

// Deduplicator drops fragments whose case-folded text was already seen.
type Deduplicator struct{}

func (d *Deduplicator) Name() string { return "deduplicator" }

func (d *Deduplicator) Order() int { return 10 }

func (d *Deduplicator) Process(fragments []Fragment) []Fragment {
	seen := make(map[string]bool, len(fragments))
	out := make([]Fragment, 0, len(fragments))
	for _, f := range fragments {
		key := strings.ToLower(f.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

// MinLengthFilter drops fragments shorter than MinChars runes.
type MinLengthFilter struct {
	MinChars int
}

func (m *MinLengthFilter) Name() string { return "min-length" }

func (m *MinLengthFilter) Order() int { return 20 }

func (m *MinLengthFilter) Process(fragments []Fragment) []Fragment {
	out := make([]Fragment, 0, len(fragments))
	for _, f := range fragments {
		if utf8.RuneCountInString(f.Text) >= m.MinChars {
			out = append(out, f)
		}
	}
	return out
}
