// Package diff renders line-level differences between two document versions.
package diff

import (
	"html"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Op string

const (
	OpEqual  Op = "equal"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

type Line struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

// Lines computes a line-mode diff from oldText to newText.
func Lines(oldText, newText string) []Line {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	result := make([]Line, 0, len(diffs))
	for _, d := range diffs {
		op := OpEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = OpInsert
		case diffmatchpatch.DiffDelete:
			op = OpDelete
		}
		for _, text := range splitLines(d.Text) {
			result = append(result, Line{Op: op, Text: text})
		}
	}
	return result
}

// Inline renders the diff as an HTML table with one row per line.
func Inline(oldText, newText string) string {
	var b strings.Builder
	b.WriteString(`<table class="diff diff_inline">`)
	for _, line := range Lines(oldText, newText) {
		marker := " "
		switch line.Op {
		case OpInsert:
			marker = "+"
		case OpDelete:
			marker = "-"
		}
		b.WriteString(`<tr class="diff-`)
		b.WriteString(string(line.Op))
		b.WriteString(`"><td class="diff-marker">`)
		b.WriteString(marker)
		b.WriteString(`</td><td>`)
		b.WriteString(html.EscapeString(line.Text))
		b.WriteString(`</td></tr>`)
	}
	b.WriteString(`</table>`)
	return b.String()
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
