// Package chapterkey encodes and decodes the canonical storage file name of
// an audiobook chapter. The on-disk name is "NNNN_<title>.<ext>" where NNNN
// is the 1-based chapter index zero-padded to four digits (so lexicographic
// and numeric ordering coincide), the title is percent-encoded to survive
// arbitrary user text inside one path segment, and the extension is one of
// the supported container formats.
package chapterkey

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	indexWidth = 4
	separator  = "_"
)

// ErrInvalidIndex is returned when encoding a negative or overly large index.
var ErrInvalidIndex = errors.New("chapter index out of range")

// maxIndex keeps the zero-padded disk index at a fixed width.
const maxIndex = 9999 - 1

// Encode builds the canonical file name for a chapter.
func Encode(index int, title string, format core.AudioFormat) (string, error) {
	if index < 0 || index > maxIndex {
		return "", fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	if _, err := core.ParseAudioFormat(string(format)); err != nil {
		return "", err
	}

	diskIndex := index + 1

	return fmt.Sprintf("%0*d%s%s.%s",
		indexWidth, diskIndex, separator, url.PathEscape(title), format), nil
}

// Decoded is the logical triple recovered from a chapter file name.
type Decoded struct {
	Index  int
	Title  string
	Format core.AudioFormat
}

// Decode parses a stored file name. It is total and side-effect-free: any
// name not matching the pattern yields nil, so directory listings can be
// filtered safely.
func Decode(fileName string) *Decoded {
	// Shortest valid name: "0001_.m4a".
	if len(fileName) < indexWidth+len(separator)+1+len(core.FormatM4A) {
		return nil
	}

	// Atoi alone would accept a sign prefix like "+001"; the canonical
	// pattern is digits only.
	for _, c := range fileName[:indexWidth] {
		if c < '0' || c > '9' {
			return nil
		}
	}

	diskIndex, err := strconv.Atoi(fileName[:indexWidth])
	if err != nil || diskIndex < 1 {
		return nil
	}

	rest := fileName[indexWidth:]
	if !strings.HasPrefix(rest, separator) {
		return nil
	}

	rest = rest[len(separator):]

	dot := strings.LastIndex(rest, ".")
	if dot < 0 {
		return nil
	}

	format, err := core.ParseAudioFormat(rest[dot+1:])
	if err != nil {
		return nil
	}

	rawTitle := rest[:dot]

	title, err := url.PathUnescape(rawTitle)
	if err != nil {
		// Legacy names may carry unescaped text; keep the raw segment.
		title = rawTitle
	}

	return &Decoded{
		Index:  diskIndex - 1,
		Title:  title,
		Format: format,
	}
}

// Entry is one canonical chapter discovered in a storage listing.
type Entry struct {
	Index    int
	Title    string
	FileName string
	Format   core.AudioFormat
}

// Canonicalize reduces a raw listing of chapter file names to exactly one
// canonical entry per index, sorted by index. When two names decode to the
// same index (legacy versus canonical encodings) the lexicographically
// greatest file name wins; losing alternates are returned as stale so the
// caller can remove them. Names that do not decode are ignored.
func Canonicalize(fileNames []string) (entries []Entry, stale []string) {
	byIndex := make(map[int]Entry)

	for _, name := range fileNames {
		decoded := Decode(name)
		if decoded == nil {
			continue
		}

		current, exists := byIndex[decoded.Index]
		if exists {
			if name <= current.FileName {
				stale = append(stale, name)

				continue
			}

			stale = append(stale, current.FileName)
		}

		byIndex[decoded.Index] = Entry{
			Index:    decoded.Index,
			Title:    decoded.Title,
			FileName: name,
			Format:   decoded.Format,
		}
	}

	entries = make([]Entry, 0, len(byIndex))
	for _, entry := range byIndex {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Index < entries[j].Index
	})

	return entries, stale
}
