// Package configblocks implements the line-oriented control-block
// format used for package control files, repository indices and
// runtime definitions: "Field: value" lines grouped into blocks
// separated by blank lines, with whitespace-prefixed continuation
// lines appended to the previous field.
//
// This is a bespoke format with no ecosystem library behind it — TOML
// and YAML parsers don't model blank-line-delimited blocks with
// continuation lines — so it is hand-rolled here, grounded on
// original_source/src/li-config-data.h's cursor-based block reader.
package configblocks

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Block maps a field name to its value lines. A field repeated within
// a block (not just continued) appends another entry, preserving all
// occurrences in order.
type Block map[string][]string

// Value returns the first value line for field, joined with the
// continuation lines that followed it, or "" if the field is absent.
func (b Block) Value(field string) string {
	vals := b[field]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Reader iterates over the blocks parsed from a control-block
// document, with a cursor for OpenBlock-style scanning.
type Reader struct {
	blocks []Block
	cursor int
}

// Parse splits data into blocks separated by blank lines and parses
// each block's "Field: value" lines, joining whitespace-prefixed
// continuation lines onto the field they follow.
func Parse(data []byte) (*Reader, error) {
	lines := strings.Split(string(data), "\n")

	var blocks []Block
	cur := Block{}
	var lastField string
	haveField := false

	flushBlock := func() {
		if len(cur) > 0 {
			blocks = append(blocks, cur)
			cur = Block{}
		}
		lastField = ""
		haveField = false
	}

	for lineNo, line := range lines {
		trimmedRight := strings.TrimRight(line, "\r")

		if strings.TrimSpace(trimmedRight) == "" {
			flushBlock()
			continue
		}

		if len(trimmedRight) > 0 && (trimmedRight[0] == ' ' || trimmedRight[0] == '\t') {
			if !haveField {
				return nil, fmt.Errorf("configblocks: line %d: continuation line with no preceding field", lineNo+1)
			}
			cont := strings.TrimSpace(trimmedRight)
			vals := cur[lastField]
			last := len(vals) - 1
			if cont != "" {
				if vals[last] == "" {
					vals[last] = cont
				} else {
					vals[last] = vals[last] + " " + cont
				}
			}
			cur[lastField] = vals
			continue
		}

		colon := strings.IndexByte(trimmedRight, ':')
		if colon == -1 {
			return nil, fmt.Errorf("configblocks: line %d: expected \"Field: value\", got %q", lineNo+1, trimmedRight)
		}

		field := strings.TrimSpace(trimmedRight[:colon])
		value := strings.TrimSpace(trimmedRight[colon+1:])
		if field == "" {
			return nil, fmt.Errorf("configblocks: line %d: empty field name", lineNo+1)
		}

		cur[field] = append(cur[field], value)
		lastField = field
		haveField = true
	}
	flushBlock()

	return &Reader{blocks: blocks}, nil
}

// Next returns the block at the cursor and advances it. The second
// return value is false once all blocks have been consumed.
func (r *Reader) Next() (Block, bool) {
	if r.cursor >= len(r.blocks) {
		return nil, false
	}
	b := r.blocks[r.cursor]
	r.cursor++
	return b, true
}

// Reset rewinds the cursor to the first block.
func (r *Reader) Reset() {
	r.cursor = 0
}

// Blocks returns every parsed block, ignoring the cursor.
func (r *Reader) Blocks() []Block {
	return r.blocks
}

// OpenBlock scans forward from the cursor (or from the start, when
// reset is true) for the next block whose field equals value, matching
// li_config_data_open_block. The cursor is left just past the matched
// block so a subsequent OpenBlock/Next call continues from there.
func (r *Reader) OpenBlock(field, value string, reset bool) (Block, bool) {
	if reset {
		r.cursor = 0
	}

	for r.cursor < len(r.blocks) {
		b := r.blocks[r.cursor]
		r.cursor++
		if b.Value(field) == value {
			return b, true
		}
	}

	return nil, false
}

// Writer accumulates blocks for serialization back into the
// blank-line-delimited control-block format.
type Writer struct {
	blocks []Block
}

// NewBlock appends a fresh block and returns a pointer to it so the
// caller can populate fields in place.
func (w *Writer) NewBlock() *Block {
	w.blocks = append(w.blocks, Block{})
	return &w.blocks[len(w.blocks)-1]
}

// Bytes serializes all blocks, each field on its own "Field: value"
// line (one line per occurrence, continuation lines are not
// reconstructed — a value is written on a single line), blocks
// separated by a blank line.
func (w *Writer) Bytes() []byte {
	var buf bytes.Buffer

	for i, b := range w.blocks {
		if i > 0 {
			buf.WriteByte('\n')
		}

		fields := make([]string, 0, len(b))
		for field := range b {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			for _, v := range b[field] {
				buf.WriteString(field)
				buf.WriteString(": ")
				buf.WriteString(v)
				buf.WriteByte('\n')
			}
		}
	}

	return buf.Bytes()
}
