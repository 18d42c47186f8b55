package review

import (
	"regexp"
	"strings"

	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/pkg/models"
)

// minChunkTokens keeps a usable budget when the fixed prompt parts are
// already close to the limit.
const minChunkTokens = 500

// fileOverheadTokens covers the per-file heading and fences in a prompt.
const fileOverheadTokens = 40

// TokenCounter is an interface for counting tokens in different content types
type TokenCounter interface {
	CountTokens(content string) int
}

// SimpleTokenCounter estimates tokens from words and punctuation. It is not
// a model tokenizer, but it errs on the high side for code.
type SimpleTokenCounter struct{}

var specialChars = regexp.MustCompile(`[.,!?;:(){}\[\]<>+\-*/=@#$%^&|~"']`)

// CountTokens estimates the number of tokens in the given content
func (c *SimpleTokenCounter) CountTokens(content string) int {
	return len(strings.Fields(content)) + len(specialChars.FindAllStringIndex(content, -1))
}

// ChunkFile is a file, or one part of a file, placed in a chunk.
type ChunkFile struct {
	File models.FileChange
	// Patch is the text sent to the model. It is a subset of the file's
	// hunks when the file was split.
	Patch string
	Part  int
	Parts int
}

// Chunk is one group of files reviewed by a single prompt.
type Chunk struct {
	Index  int
	Total  int
	Files  []ChunkFile
	Tokens int
}

// Paths returns the distinct paths in the chunk.
func (c Chunk) Paths() []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range c.Files {
		if !seen[f.File.Path] {
			seen[f.File.Path] = true
			out = append(out, f.File.Path)
		}
	}
	return out
}

// Chunker groups files greedily by estimated tokens.
type Chunker struct {
	maxTokens int
	counter   TokenCounter
}

// NewChunker creates a chunker with a per-chunk token budget.
func NewChunker(maxTokens int, counter TokenCounter) *Chunker {
	if counter == nil {
		counter = &SimpleTokenCounter{}
	}
	if maxTokens < minChunkTokens {
		maxTokens = minChunkTokens
	}
	return &Chunker{maxTokens: maxTokens, counter: counter}
}

// Split keeps files in order and starts a new chunk whenever the next piece
// would overflow the budget. A file larger than the budget is split at hunk
// boundaries, and a hunk larger than the budget at line boundaries, so no
// chunk exceeds it.
func (c *Chunker) Split(files []models.FileChange) []Chunk {
	var (
		chunks  []Chunk
		current Chunk
	)
	flush := func() {
		if len(current.Files) > 0 {
			chunks = append(chunks, current)
			current = Chunk{}
		}
	}

	for _, f := range files {
		for _, piece := range c.pieces(f) {
			tokens := c.estimate(piece)
			if len(current.Files) > 0 && current.Tokens+tokens > c.maxTokens {
				flush()
			}
			current.Files = append(current.Files, piece)
			current.Tokens += tokens
		}
	}
	flush()

	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Total = len(chunks)
	}
	return chunks
}

func (c *Chunker) estimate(f ChunkFile) int {
	return c.fileOverhead(f.File) + c.counter.CountTokens(f.Patch)
}

func (c *Chunker) fileOverhead(f models.FileChange) int {
	return fileOverheadTokens + c.counter.CountTokens(f.Path) + c.counter.CountTokens(f.PreviousPath)
}

// pieces returns the file whole when it fits, otherwise consecutive pieces
// of its patch that each fit.
func (c *Chunker) pieces(f models.FileChange) []ChunkFile {
	whole := ChunkFile{File: f, Patch: f.PatchText(), Part: 1, Parts: 1}
	if f.PatchOmitted || c.estimate(whole) <= c.maxTokens {
		return []ChunkFile{whole}
	}

	limit := c.maxTokens - c.fileOverhead(f)
	var (
		parts []string
		buf   []string
		used  int
	)
	add := func(text string) {
		tokens := c.counter.CountTokens(text)
		if len(buf) > 0 && used+tokens > limit {
			parts = append(parts, strings.Join(buf, "\n"))
			buf, used = nil, 0
		}
		buf = append(buf, text)
		used += tokens
	}

	hunks := diff.ParsePatch(whole.Patch).Hunks
	if len(hunks) == 0 {
		add(truncateTokens(strings.TrimRight(whole.Patch, "\n"), limit, c.counter))
	}
	for _, h := range hunks {
		text := strings.TrimRight(h.Header+"\n"+h.Content, "\n")
		if c.counter.CountTokens(text) <= limit {
			add(text)
			continue
		}
		for _, sub := range splitHunk(h, limit, c.counter) {
			add(sub)
		}
	}
	if len(buf) > 0 {
		parts = append(parts, strings.Join(buf, "\n"))
	}

	out := make([]ChunkFile, len(parts))
	for i, p := range parts {
		out[i] = ChunkFile{File: f, Patch: p, Part: i + 1, Parts: len(parts)}
	}
	return out
}

// headerSlack covers a rewritten hunk header spelling out counts the
// original left implicit.
const headerSlack = 4

// splitHunk cuts a hunk into consecutive hunks of at most limit tokens each.
// Every piece gets a header with its own old and new line ranges. A single
// line over the limit is truncated.
func splitHunk(h diff.Hunk, limit int, counter TokenCounter) []string {
	headerCost := counter.CountTokens(h.Header) + headerSlack
	lineLimit := limit - headerCost
	if strings.Contains("\n"+h.Content, "\n\\") {
		lineLimit -= counter.CountTokens(noNewlineMarker)
	}

	var (
		out                []string
		lines              []string
		used               int
		oldPos, newPos     = h.OldStart, h.NewStart
		oldFrom, newFrom   = oldPos, newPos
		oldCount, newCount int
	)
	flush := func() {
		if len(lines) == 0 {
			return
		}
		header := diff.FormatHunkHeader(oldFrom, oldCount, newFrom, newCount, h.Section())
		out = append(out, header+"\n"+strings.Join(lines, "\n"))
		lines, used, oldCount, newCount = nil, 0, 0, 0
		oldFrom, newFrom = oldPos, newPos
	}

	for _, line := range strings.Split(strings.TrimRight(h.Content, "\n"), "\n") {
		tokens := counter.CountTokens(line)
		if tokens > lineLimit {
			line = truncateTokens(line, lineLimit, counter)
			tokens = counter.CountTokens(line)
		}
		// A "\ No newline" marker stays with the line it annotates.
		if len(lines) > 0 && used+tokens > lineLimit && !strings.HasPrefix(line, `\`) {
			flush()
		}
		lines = append(lines, line)
		used += tokens

		switch {
		case strings.HasPrefix(line, "+"):
			newPos++
			newCount++
		case strings.HasPrefix(line, "-"):
			oldPos++
			oldCount++
		case strings.HasPrefix(line, `\`):
		default:
			oldPos++
			newPos++
			oldCount++
			newCount++
		}
	}
	flush()
	return out
}

const (
	truncatedMark   = " [truncated]"
	noNewlineMarker = `\ No newline at end of file`
)

// truncateTokens shortens s at a rune boundary so that it, plus a visible
// mark, stays within limit tokens.
func truncateTokens(s string, limit int, counter TokenCounter) string {
	if counter.CountTokens(s) <= limit {
		return s
	}
	runes := []rune(s)
	fits := func(n int) bool { return counter.CountTokens(string(runes[:n])+truncatedMark) <= limit }

	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + truncatedMark
}
