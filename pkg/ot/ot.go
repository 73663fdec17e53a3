/*
Package ot encodes text edits as the positioned insert/delete operations used
by the realtime collaboration protocol.

Position convention: the operations in a batch are applied one after the
other, and every position is relative to the buffer produced by the operations
that precede it in the same batch. Nothing is adjusted at apply time. Diff
emits positions in this convention, so Apply(a, Diff(a, b)) == b.

Positions and lengths count UTF-16 code units, because that's how the remote
editor indexes strings.
*/
package ot

import (
	"fmt"
	"unicode"
	"unicode/utf16"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op is a single insert or delete. Exactly one of Insert and Delete is set.
type Op struct {
	Insert   string `json:"i,omitempty"`
	Delete   string `json:"d,omitempty"`
	Position int    `json:"p"`
}

// IsInsert returns whether the op inserts text.
func (op Op) IsInsert() bool {
	return op.Insert != ""
}

// IsDelete returns whether the op deletes text.
func (op Op) IsDelete() bool {
	return op.Delete != ""
}

func (op Op) String() string {
	if op.IsInsert() {
		return fmt.Sprintf("insert(%q, %d)", op.Insert, op.Position)
	}
	return fmt.Sprintf("delete(%q, %d)", op.Delete, op.Position)
}

// Ops is an ordered batch of operations against a single document.
type Ops []Op

// MismatchError is returned by Apply when an operation doesn't fit the
// buffer it's applied to. Applying the batch anyway would corrupt the
// document.
type MismatchError struct {
	Index int
	Op    Op
	Len   int
}

func (err MismatchError) Error() string {
	return fmt.Sprintf("op %d (%s) does not apply to buffer of length %d",
		err.Index, err.Op, err.Len)
}

var dmp = diffmatchpatch.New()

// Diff computes the operations that turn `oldText` into `newText`.
func Diff(oldText, newText string) Ops {
	if oldText == newText {
		return nil
	}

	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var ops Ops
	position := 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			ops = append(ops, Op{Insert: d.Text, Position: position})
			position += Len(d.Text)
		case diffmatchpatch.DiffDelete:
			// The deleted text is gone from the buffer the next op sees, so the
			// position doesn't advance.
			ops = append(ops, Op{Delete: d.Text, Position: position})
		case diffmatchpatch.DiffEqual:
			position += Len(d.Text)
		}
	}
	return ops
}

// Apply applies `ops` to `text` sequentially. It fails without partially
// applying anything if an op is out of range, or if a delete doesn't match the
// text at its position.
func Apply(text string, ops Ops) (string, error) {
	buf := utf16.Encode([]rune(text))
	for i, op := range ops {
		if op.Position < 0 || op.Position > len(buf) {
			return "", MismatchError{Index: i, Op: op, Len: len(buf)}
		}

		switch {
		case op.IsInsert():
			ins := utf16.Encode([]rune(op.Insert))
			next := make([]uint16, 0, len(buf)+len(ins))
			next = append(next, buf[:op.Position]...)
			next = append(next, ins...)
			next = append(next, buf[op.Position:]...)
			buf = next
		case op.IsDelete():
			del := utf16.Encode([]rune(op.Delete))
			end := op.Position + len(del)
			if end > len(buf) || !equalUnits(buf[op.Position:end], del) {
				return "", MismatchError{Index: i, Op: op, Len: len(buf)}
			}
			next := make([]uint16, 0, len(buf)-len(del))
			next = append(next, buf[:op.Position]...)
			next = append(next, buf[end:]...)
			buf = next
		}
	}
	return string(utf16.Decode(buf)), nil
}

// Len returns the length of `s` in UTF-16 code units.
func Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 && r <= unicode.MaxRune {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func equalUnits(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Rebase carries the edit that turned `base` into `edited` over onto
// `target`, which is `base` with someone else's changes applied. It returns
// the merged text, and whether every hunk of the edit could be placed.
func Rebase(base, edited, target string) (string, bool) {
	if base == edited {
		return target, true
	}
	if base == target {
		return edited, true
	}

	patches := dmp.PatchMake(base, edited)
	merged, applied := dmp.PatchApply(patches, target)
	for _, ok := range applied {
		if !ok {
			return merged, false
		}
	}
	return merged, true
}
