package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		text string
		ops  Ops
		exp  string
	}{
		{
			name: "Insert",
			text: "hello world",
			ops:  Ops{{Insert: ",", Position: 5}},
			exp:  "hello, world",
		},
		{
			name: "Delete",
			text: "hello world",
			ops:  Ops{{Delete: " world", Position: 5}},
			exp:  "hello",
		},
		{
			// The second insert is positioned against the buffer produced by
			// the first one.
			name: "InsertsSeeEarlierInserts",
			text: "ac",
			ops:  Ops{{Insert: "b", Position: 1}, {Insert: "d", Position: 3}},
			exp:  "abcd",
		},
		{
			// A delete shrinks the buffer, so the insert after it is positioned
			// without counting the deleted text.
			name: "DeleteThenInsert",
			text: "one two three",
			ops:  Ops{{Delete: "one ", Position: 0}, {Insert: "2", Position: 0}, {Delete: "two", Position: 1}},
			exp:  "2 three",
		},
		{
			name: "SurrogatePairsCountTwice",
			text: "a😀b",
			ops:  Ops{{Insert: "!", Position: 3}},
			exp:  "a😀!b",
		},
		{
			name: "Empty",
			text: "unchanged",
			exp:  "unchanged",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			res, err := Apply(test.text, test.ops)
			require.NoError(t, err)
			assert.Equal(t, test.exp, res)
		})
	}
}

func TestApplyMismatch(t *testing.T) {
	_, err := Apply("hello", Ops{{Delete: "xyz", Position: 0}})
	assert.IsType(t, MismatchError{}, err)

	_, err = Apply("hello", Ops{{Insert: "x", Position: 6}})
	assert.IsType(t, MismatchError{}, err)

	_, err = Apply("hello", Ops{{Delete: "lo!", Position: 3}})
	assert.IsType(t, MismatchError{}, err)
}

func TestDiffRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
	}{
		{"Identical", "same", "same"},
		{"FromEmpty", "", "\\documentclass{article}\n"},
		{"ToEmpty", "\\begin{document}\n\\end{document}\n", ""},
		{"Replace", "The quick brown fox", "The slow brown dog"},
		{"MultipleHunks", "line one\nline two\nline three\n", "line 1\nline two\nline three!\nline four\n"},
		{"DeleteBeforeInsert", "abcdef", "xbcdy"},
		{"Unicode", "naïve café 😀 end", "naive cafe 😀😀 the end"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			ops := Diff(test.old, test.new)
			res, err := Apply(test.old, ops)
			require.NoError(t, err)
			assert.Equal(t, test.new, res)
		})
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	assert.Empty(t, Diff("text", "text"))
}

func TestLen(t *testing.T) {
	assert.Equal(t, 0, Len(""))
	assert.Equal(t, 5, Len("hello"))
	assert.Equal(t, 4, Len("café"))
	assert.Equal(t, 2, Len("😀"))
}

func TestRebase(t *testing.T) {
	base := "intro\n\nbody\n\nconclusion\n"
	edited := "intro\n\nbody with a local edit\n\nconclusion\n"
	remote := "Intro\n\nbody\n\nconclusion\n"

	merged, ok := Rebase(base, edited, remote)
	assert.True(t, ok)
	assert.Equal(t, "Intro\n\nbody with a local edit\n\nconclusion\n", merged)

	merged, ok = Rebase(base, base, remote)
	assert.True(t, ok)
	assert.Equal(t, remote, merged)

	merged, ok = Rebase(base, edited, base)
	assert.True(t, ok)
	assert.Equal(t, edited, merged)
}
