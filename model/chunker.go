package model

import (
	"regexp"
	"strings"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Chunker splits normalized text into ordered, bounded segments where
// consecutive segments share an overlap tail. Splitting is deterministic:
// the same text always yields the same sequence.
type Chunker struct {
	size    int
	overlap int

	paragraphRegex *regexp.Regexp
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}
	return &Chunker{
		size:           size,
		overlap:        overlap,
		paragraphRegex: regexp.MustCompile(`\n{2,}`),
	}
}

// Split returns the chunk sequence for text. The position of a segment in
// the returned slice is its chunk index.
func (c *Chunker) Split(text string) []string {
	atoms := c.atoms(text)
	if len(atoms) == 0 {
		return nil
	}

	var chunks []string
	var b strings.Builder
	length := 0

	flush := func() {
		chunk := strings.TrimSpace(b.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
		length = 0
		if c.overlap > 0 && chunk != "" {
			tail := overlapTail(chunk, c.overlap)
			if tail != "" {
				b.WriteString(tail)
				length = len([]rune(tail))
			}
		}
	}

	for _, atom := range atoms {
		atomLen := len([]rune(atom))
		if length > 0 && length+2+atomLen > c.size {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
			length += 2
		}
		b.WriteString(atom)
		length += atomLen
	}
	if chunk := strings.TrimSpace(b.String()); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// atoms breaks text into pieces small enough that any piece plus the
// overlap tail of the previous chunk still fits in one chunk.
func (c *Chunker) atoms(text string) []string {
	maxAtom := c.size - c.overlap - 2
	if maxAtom < 1 {
		maxAtom = c.size
	}

	var atoms []string
	for _, para := range c.paragraphRegex.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		atoms = appendPieces(atoms, para, maxAtom, 0)
	}
	return atoms
}

// Oversized pieces split along ever finer boundaries: line, sentence, word,
// and finally a bare rune window.
var atomSeparators = []string{"\n", ". ", " "}

func appendPieces(atoms []string, piece string, maxAtom, level int) []string {
	if len([]rune(piece)) <= maxAtom {
		return append(atoms, piece)
	}
	if level >= len(atomSeparators) {
		runes := []rune(piece)
		for start := 0; start < len(runes); start += maxAtom {
			end := start + maxAtom
			if end > len(runes) {
				end = len(runes)
			}
			sub := strings.TrimSpace(string(runes[start:end]))
			if sub != "" {
				atoms = append(atoms, sub)
			}
		}
		return atoms
	}

	sep := atomSeparators[level]
	parts := strings.Split(piece, sep)
	if len(parts) == 1 {
		return appendPieces(atoms, piece, maxAtom, level+1)
	}

	// Greedily rejoin small parts so sentences are not scattered one per
	// atom.
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			atoms = append(atoms, s)
		}
		b.Reset()
	}
	for i, part := range parts {
		if i < len(parts)-1 {
			part += sep
		}
		if len([]rune(part)) > maxAtom {
			flush()
			atoms = appendPieces(atoms, strings.TrimSpace(part), maxAtom, level+1)
			continue
		}
		if len([]rune(b.String()))+len([]rune(part)) > maxAtom {
			flush()
		}
		b.WriteString(part)
	}
	flush()
	return atoms
}

// overlapTail returns at most n trailing runes of chunk, snapped forward to
// the next word boundary so the overlap never starts mid-word.
func overlapTail(chunk string, n int) string {
	runes := []rune(chunk)
	if len(runes) <= n {
		return chunk
	}
	tail := string(runes[len(runes)-n:])
	if idx := strings.IndexAny(tail, " \n\t"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
