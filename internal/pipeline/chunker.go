package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prism-kb/prism/internal/model"
	"github.com/xxxsen/common/logutil"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"
)

// Chunker turns extracted markdown into enriched, location-tagged
// chunks. Output is a pure function of the document text, filename,
// content hash and the three token parameters, so reruns produce
// byte-identical chunks.
type Chunker struct {
	target  int
	overlap int
	min     int
}

func NewChunker(targetTokens int, overlapTokens int, minTokens int) *Chunker {
	return &Chunker{target: targetTokens, overlap: overlapTokens, min: minTokens}
}

// fragment is one top-level markdown block plus the heading context it
// was seen under. Atomic fragments (tables) are never used as overlap
// and may push a chunk past the target size.
type fragment struct {
	text      string
	tokens    int
	atomic    bool
	heading   bool
	hierarchy []string
}

type window struct {
	frags   []fragment
	carried int
	tokens  int
	fresh   int
}

func (c *Chunker) ChunkDocument(ctx context.Context, doc *model.Document, content string) []*model.Chunk {
	logger := logutil.GetLogger(ctx).With(zap.String("document_id", doc.ID), zap.String("filename", doc.Filename))
	display := displayName(doc.Filename)
	partitions := splitPartitions(content, doc.Filename)

	var chunks []*model.Chunk
	seq := 0
	for _, part := range partitions {
		frags := c.fragments(part.Content)
		for _, win := range c.pack(frags) {
			chunk := c.buildChunk(doc, display, part.Location, win, seq)
			if chunk == nil {
				continue
			}
			chunks = append(chunks, chunk)
			seq++
		}
	}
	logger.Info("document chunked", zap.Int("partitions", len(partitions)), zap.Int("chunks", len(chunks)))
	return chunks
}

func (c *Chunker) buildChunk(doc *model.Document, display string, location string, win window, seq int) *model.Chunk {
	parts := make([]string, 0, len(win.frags))
	for _, f := range win.frags {
		parts = append(parts, f.text)
	}
	body := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if body == "" {
		return nil
	}
	hierarchy := chunkHierarchy(win)
	prefix := contextPrefix(display, hierarchy, location)
	enriched := prefix + body
	return &model.Chunk{
		ID:             fmt.Sprintf("%s_chunk_%03d", doc.ContentHash[:8], seq),
		ProjectID:      doc.ProjectID,
		DocumentID:     doc.ID,
		DocumentHash:   doc.ContentHash,
		Seq:            seq,
		Content:        body,
		Enriched:       enriched,
		Location:       location,
		Hierarchy:      hierarchy,
		TokenCount:     estimateTokens(body),
		EnrichedTokens: estimateTokens(enriched),
	}
}

// chunkHierarchy labels a window with the section of its first fresh
// body fragment. A heading fragment opening the window describes the
// content under it, so the body's snapshot is the right one.
func chunkHierarchy(win window) []string {
	fresh := win.frags[win.carried:]
	if len(fresh) == 0 {
		fresh = win.frags
	}
	for _, f := range fresh {
		if !f.heading {
			return f.hierarchy
		}
	}
	return fresh[0].hierarchy
}

// pack greedily fills windows up to the target size, carrying a tail of
// overlap fragments into the next window. A trailing window under the
// minimum merges back into its predecessor when the merged size still
// fits within target+overlap.
func (c *Chunker) pack(frags []fragment) []window {
	var windows []window
	var cur window
	for _, f := range frags {
		if cur.tokens > 0 && cur.tokens+f.tokens > c.target {
			windows = append(windows, cur)
			cur = c.carryOverlap(cur)
		}
		cur.frags = append(cur.frags, f)
		cur.tokens += f.tokens
		cur.fresh += f.tokens
	}
	if cur.fresh == 0 {
		return windows
	}
	if len(windows) > 0 && cur.fresh < c.min {
		prev := &windows[len(windows)-1]
		if prev.tokens+cur.fresh <= c.target+c.overlap {
			prev.frags = append(prev.frags, cur.frags[cur.carried:]...)
			prev.tokens += cur.fresh
			prev.fresh += cur.fresh
			return windows
		}
	}
	return append(windows, cur)
}

func (c *Chunker) carryOverlap(prev window) window {
	carried := 0
	tokens := 0
	var tail []fragment
	for i := len(prev.frags) - 1; i >= 0; i-- {
		f := prev.frags[i]
		if f.atomic || tokens+f.tokens > c.overlap {
			break
		}
		tokens += f.tokens
		tail = append([]fragment{f}, tail...)
		carried++
	}
	return window{frags: tail, carried: carried, tokens: tokens}
}

func (c *Chunker) fragments(content string) []fragment {
	md := goldmark.New()
	reader := text.NewReader([]byte(content))
	doc := md.Parser().Parse(reader)
	source := reader.Source()

	var levels [4]string
	snapshot := func() []string {
		out := make([]string, 0, 4)
		for _, h := range levels {
			if h != "" {
				out = append(out, h)
			}
		}
		return out
	}

	var frags []fragment
	add := func(txt string, atomic bool, heading bool) {
		txt = strings.TrimSpace(txt)
		if txt == "" {
			return
		}
		frags = append(frags, fragment{
			text:      txt,
			tokens:    estimateTokens(txt),
			atomic:    atomic,
			heading:   heading,
			hierarchy: snapshot(),
		})
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			title := string(n.Text(source))
			if n.Level >= 1 && n.Level <= 4 {
				levels[n.Level-1] = cleanTitle(title)
				for i := n.Level; i < 4; i++ {
					levels[i] = ""
				}
			}
			add(strings.Repeat("#", n.Level)+" "+title, false, true)
		case *ast.FencedCodeBlock:
			lang := string(n.Language(source))
			var sb strings.Builder
			for i := 0; i < n.Lines().Len(); i++ {
				seg := n.Lines().At(i)
				sb.Write(seg.Value(source))
			}
			add("```"+lang+"\n"+strings.TrimRight(sb.String(), "\n")+"\n```", false, false)
		default:
			txt := rawText(node, source)
			add(txt, isTableBlock(node, txt), false)
		}
	}
	return frags
}

// rawText slices the original source span covered by a block so table
// pipes, list markers and inline formatting survive into the chunk.
func rawText(n ast.Node, source []byte) string {
	start, stop := -1, -1
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if node.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := node.Lines()
		if lines == nil {
			return ast.WalkContinue, nil
		}
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			if start < 0 || seg.Start < start {
				start = seg.Start
			}
			if seg.Stop > stop {
				stop = seg.Stop
			}
		}
		return ast.WalkContinue, nil
	})
	if start < 0 || stop <= start {
		return ""
	}
	return strings.TrimSpace(string(source[start:stop]))
}

// isTableBlock reports whether a block is a markdown pipe table or an
// HTML table. Those blocks stay whole regardless of size.
func isTableBlock(n ast.Node, txt string) bool {
	if n.Kind() == ast.KindHTMLBlock {
		return strings.Contains(strings.ToLower(txt), "<table")
	}
	lines := strings.Split(txt, "\n")
	if len(lines) < 2 {
		return false
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "|") {
			return false
		}
	}
	return true
}

func displayName(filename string) string {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	return strings.ReplaceAll(name, "_", " ")
}

func cleanTitle(title string) string {
	title = strings.ReplaceAll(title, "**", "")
	title = strings.ReplaceAll(title, "*", "")
	return strings.Join(strings.Fields(title), " ")
}

func contextPrefix(display string, hierarchy []string, location string) string {
	parts := []string{"Document: " + display}
	if len(hierarchy) > 0 {
		parts = append(parts, "Section: "+strings.Join(hierarchy, " > "))
	}
	if location != "" {
		parts = append(parts, "Location: "+location)
	}
	return strings.Join(parts, "\n") + "\n\n"
}
