package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nikhilbhutani/docqa/pkg/tokenizer"
)

const (
	DefaultChunkSize    = 500 // tokens
	DefaultChunkOverlap = 50  // tokens
)

var (
	ErrDegenerateChunks = errors.New("too many near-empty chunks")
	ErrDuplicateChunks  = errors.New("duplicate chunks")
)

type Chunker interface {
	Chunk(text string, opts ChunkOptions) []TextChunk
}

// ChunkOptions sizes are in estimated tokens (see tokenizer.CharsPerToken).
type ChunkOptions struct {
	ChunkSize    int
	ChunkOverlap int
}

type TextChunk struct {
	Content string
	Index   int
	Start   int // byte offset into the source text
	End     int
	Tokens  int
}

func DefaultOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
	}
}

type recursiveChunker struct {
	levels []cutFunc
}

// New returns a chunker that prefers paragraph, then line, then sentence, then
// word boundaries.
func New() Chunker {
	return &recursiveChunker{
		levels: []cutFunc{paragraphCuts, lineCuts, sentenceCuts, wordCuts},
	}
}

type span struct {
	start, end int
	runes      int
}

func (c *recursiveChunker) Chunk(text string, opts ChunkOptions) []TextChunk {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 4
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sizeChars := tokenizer.TokensToChars(opts.ChunkSize)
	overlapChars := tokenizer.TokensToChars(opts.ChunkOverlap)
	// bodies leave room for the overlap prefix so no chunk exceeds sizeChars
	bodyLimit := sizeChars - overlapChars

	var atoms []span
	c.split(text, 0, len(text), 0, bodyLimit, &atoms)
	bodies := merge(atoms, bodyLimit)
	bodies = foldTail(text, bodies, sizeChars, overlapChars)

	chunks := make([]TextChunk, 0, len(bodies))
	prevBodyStart := 0
	for i, b := range bodies {
		start := b.start
		if i > 0 && overlapChars > 0 {
			start = overlapStart(text, b.start, overlapChars, prevBodyStart)
		}
		prevBodyStart = b.start

		s, e := trimSpan(text, start, b.end)
		if s >= e {
			continue
		}
		content := text[s:e]
		chunks = append(chunks, TextChunk{
			Content: content,
			Index:   len(chunks),
			Start:   s,
			End:     e,
			Tokens:  tokenizer.EstimateTokens(content),
		})
	}
	return chunks
}

// split recursively breaks text[start:end] into atoms no longer than limit
// runes, using the first separator level present in the span.
func (c *recursiveChunker) split(text string, start, end, level, limit int, out *[]span) {
	n := utf8.RuneCountInString(text[start:end])
	if n <= limit {
		if n > 0 {
			*out = append(*out, span{start: start, end: end, runes: n})
		}
		return
	}
	if level >= len(c.levels) {
		hardCut(text, start, end, limit, out)
		return
	}

	cuts := c.levels[level](text[start:end])
	if len(cuts) == 0 {
		c.split(text, start, end, level+1, limit, out)
		return
	}

	prev := start
	for _, cut := range cuts {
		c.split(text, prev, start+cut, level+1, limit, out)
		prev = start + cut
	}
	c.split(text, prev, end, level+1, limit, out)
}

func hardCut(text string, start, end, limit int, out *[]span) {
	count := 0
	pieceStart := start
	for i := range text[start:end] {
		if count == limit {
			*out = append(*out, span{start: pieceStart, end: start + i, runes: count})
			pieceStart = start + i
			count = 0
		}
		count++
	}
	if count > 0 {
		*out = append(*out, span{start: pieceStart, end: end, runes: count})
	}
}

// merge packs contiguous atoms greedily into bodies of at most limit runes.
func merge(atoms []span, limit int) []span {
	var bodies []span
	var cur span
	open := false
	for _, a := range atoms {
		if open && cur.runes+a.runes <= limit {
			cur.end = a.end
			cur.runes += a.runes
			continue
		}
		if open {
			bodies = append(bodies, cur)
		}
		cur = a
		open = true
	}
	if open {
		bodies = append(bodies, cur)
	}
	return bodies
}

// foldTail merges a tiny final body into its predecessor when the result still
// fits the chunk size including the predecessor's overlap prefix.
func foldTail(text string, bodies []span, sizeChars, overlapChars int) []span {
	if len(bodies) < 2 {
		return bodies
	}
	last := bodies[len(bodies)-1]
	prev := bodies[len(bodies)-2]
	if utf8.RuneCountInString(strings.TrimSpace(text[last.start:last.end])) >= sizeChars/10 {
		return bodies
	}
	prevLen := prev.runes
	if len(bodies) > 2 {
		prevLen += overlapChars
	}
	if prevLen+last.runes > sizeChars {
		return bodies
	}
	prev.end = last.end
	prev.runes += last.runes
	bodies[len(bodies)-2] = prev
	return bodies[:len(bodies)-1]
}

// overlapStart walks back up to overlapChars runes from bodyStart and snaps
// forward to the next word boundary so the overlap never starts mid-word.
func overlapStart(text string, bodyStart, overlapChars, floor int) int {
	p := bodyStart
	for n := 0; n < overlapChars && p > floor; n++ {
		_, size := utf8.DecodeLastRuneInString(text[:p])
		p -= size
	}
	if p == floor {
		return p
	}
	for i := p; i < bodyStart; i++ {
		if isSpace(text[i]) {
			for i < bodyStart && isSpace(text[i]) {
				i++
			}
			return i
		}
	}
	return p
}

func trimSpan(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}

// Validate rejects chunk sets that indicate a preprocessing bug rather than
// document content: more than 10% near-empty chunks, or exact duplicates.
func Validate(chunks []TextChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	degenerate := 0
	seen := make(map[string]int, len(chunks))
	for _, c := range chunks {
		if isDegenerate(c.Content) {
			degenerate++
		}
		if first, ok := seen[c.Content]; ok {
			return fmt.Errorf("%w: chunks %d and %d", ErrDuplicateChunks, first, c.Index)
		}
		seen[c.Content] = c.Index
	}

	if degenerate*10 > len(chunks) {
		return fmt.Errorf("%w: %d of %d", ErrDegenerateChunks, degenerate, len(chunks))
	}
	return nil
}

func isDegenerate(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
