// ABOUTME: Markdown handling for plans: task-list parsing via the goldmark AST and rendering.
// ABOUTME: RenderItems output parses back to the same items.

package plan

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ParseItems returns the task list entries of content in document order.
// Nested lists are flattened and entries with no text are skipped.
// Descriptions are the item's markdown source, not its rendered text.
func ParseItems(content string) []TaskItem {
	src := []byte(content)
	doc := md.Parser().Parse(text.NewReader(src))

	var items []TaskItem
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindListItem {
			return ast.WalkContinue, nil
		}
		block := n.FirstChild()
		if block == nil {
			return ast.WalkContinue, nil
		}
		box, ok := block.FirstChild().(*extast.TaskCheckBox)
		if !ok {
			return ast.WalkContinue, nil
		}

		desc := itemSource(block, src)
		if desc == "" {
			return ast.WalkContinue, nil
		}
		items = append(items, TaskItem{
			Description: desc,
			Completed:   box.IsChecked,
			Order:       len(items),
		})
		return ast.WalkContinue, nil
	})
	return items
}

// itemSource returns the markdown source of a task item after its
// checkbox, with whitespace collapsed. Inline markup is kept as written so
// the description survives RenderItems unchanged.
func itemSource(block ast.Node, src []byte) string {
	var buf strings.Builder
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
		buf.WriteByte(' ')
	}
	raw := strings.TrimSpace(buf.String())
	if len(raw) >= 3 && raw[0] == '[' && raw[2] == ']' {
		raw = raw[3:]
	}
	return strings.Join(strings.Fields(raw), " ")
}

// RenderItems writes items as a markdown task list, one line per item.
func RenderItems(items []TaskItem) string {
	var b strings.Builder
	for _, it := range items {
		mark := " "
		if it.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, strings.Join(strings.Fields(it.Description), " "))
	}
	return b.String()
}

// RenderHTML converts plan markdown to HTML for clients.
func RenderHTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("rendering plan: %w", err)
	}
	return buf.String(), nil
}
