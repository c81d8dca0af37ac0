// ABOUTME: Builds outbound message chains from markdown source
// ABOUTME: Text runs become Plain elements; images become Local uploads or remote Image references

package message

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
	})
	return markdownParser
}

// FromMarkdown converts markdown into a chain. Relative image paths resolve
// against baseDir. Formatting is flattened; the chain keeps document order.
func FromMarkdown(src []byte, baseDir string) Chain {
	doc := parser().Parser().Parse(text.NewReader(src))
	b := &chainBuilder{source: src, baseDir: baseDir}
	_ = ast.Walk(doc, b.walk)
	return b.finish()
}

type chainBuilder struct {
	source  []byte
	baseDir string
	chain   Chain
	text    strings.Builder
}

func (b *chainBuilder) flush() {
	if b.text.Len() == 0 {
		return
	}
	b.chain = append(b.chain, Plain{Text: b.text.String()})
	b.text.Reset()
}

func (b *chainBuilder) finish() Chain {
	// Trailing block breaks carry no content.
	s := strings.TrimRight(b.text.String(), "\n")
	b.text.Reset()
	b.text.WriteString(s)
	b.flush()
	return b.chain
}

func (b *chainBuilder) blockBreak() {
	if b.text.Len() > 0 || len(b.chain) > 0 {
		b.text.WriteString("\n")
	}
}

func (b *chainBuilder) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Paragraph, *ast.Heading, *ast.ListItem:
		if !entering {
			b.blockBreak()
		}
	case *ast.Text:
		if !entering {
			return ast.WalkContinue, nil
		}
		b.text.Write(node.Segment.Value(b.source))
		if node.SoftLineBreak() || node.HardLineBreak() {
			b.text.WriteString("\n")
		}
	case *ast.String:
		if entering {
			b.text.Write(node.Value)
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if !entering {
			return ast.WalkContinue, nil
		}
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.text.Write(seg.Value(b.source))
		}
		return ast.WalkSkipChildren, nil
	case *ast.AutoLink:
		if entering {
			b.text.Write(node.URL(b.source))
		}
	case *ast.Link:
		if !entering {
			dest := string(node.Destination)
			if dest != "" && !strings.HasSuffix(b.text.String(), dest) {
				b.text.WriteString(" (" + dest + ")")
			}
		}
	case *ast.Image:
		if !entering {
			return ast.WalkContinue, nil
		}
		b.flush()
		b.chain = append(b.chain, b.image(string(node.Destination)))
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (b *chainBuilder) image(dest string) Element {
	if strings.HasPrefix(dest, "http://") || strings.HasPrefix(dest, "https://") {
		return Image{URL: dest}
	}
	path := dest
	if !filepath.IsAbs(path) && b.baseDir != "" {
		path = filepath.Join(b.baseDir, path)
	}
	kind := LocalImage
	switch strings.ToLower(filepath.Ext(path)) {
	case ".amr", ".silk", ".mp3", ".ogg", ".wav":
		kind = LocalVoice
	}
	return Local{Kind: kind, Path: path, Name: filepath.Base(path)}
}
