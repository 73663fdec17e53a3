package upload

import (
	"bytes"
	"path"
	"strings"
	"unicode/utf8"
)

// textExtensions are always created as editable documents.
var textExtensions = map[string]struct{}{
	".tex": {}, ".bib": {}, ".cls": {}, ".sty": {}, ".bst": {}, ".txt": {},
	".md": {}, ".bbx": {}, ".cbx": {}, ".def": {}, ".cfg": {}, ".clo": {},
	".dtx": {}, ".ins": {}, ".ltx": {}, ".rnw": {}, ".rtex": {},
}

// IsDocument returns whether a new file should be created as an editable
// document rather than uploaded as a binary file.
func IsDocument(name string, contents []byte) bool {
	if _, ok := textExtensions[strings.ToLower(path.Ext(name))]; ok {
		return true
	}
	return utf8.Valid(contents) && bytes.IndexByte(contents, 0) < 0
}
