package objectstore

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/book-expert/audiobook-service/internal/core"
)

// Storage layout under one book prefix:
//
//	books/<namespace>/<ownerID>/<bookID>/chapters/<fileName>
//	books/<namespace>/<ownerID>/<bookID>/combined/full.<ext>
//	books/<namespace>/<ownerID>/<bookID>/combined/full.<ext>.sig

const (
	rootSegment     = "books"
	chapterSegment  = "chapters"
	combinedSegment = "combined"
	combinedName    = "full"

	maxIdentifierLength = 64
)

// ErrInvalidIdentifier is returned when a namespace, owner, or book
// identifier would not survive interpolation into a storage key.
var ErrInvalidIdentifier = errors.New("invalid storage identifier")

// Identifiers are restricted to a charset that cannot alter key structure,
// which keeps the prefix function injective and blocks prefix injection.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateIdentifier checks one key segment against the restricted charset
// and length bound.
func ValidateIdentifier(id string) error {
	if id == "" || len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: length must be 1-%d, got %d",
			ErrInvalidIdentifier, maxIdentifierLength, len(id))
	}

	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9._-]",
			ErrInvalidIdentifier, id)
	}

	return nil
}

// BookPrefix builds the storage prefix owning every blob of one book.
func BookPrefix(namespace, ownerID, bookID string) (string, error) {
	for _, id := range []string{namespace, ownerID, bookID} {
		if err := ValidateIdentifier(id); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("%s/%s/%s/%s/", rootSegment, namespace, ownerID, bookID), nil
}

// ChapterPrefix returns the prefix holding a book's chapter objects.
func ChapterPrefix(bookPrefix string) string {
	return bookPrefix + chapterSegment + "/"
}

// ChapterKey returns the full key of one chapter file.
func ChapterKey(bookPrefix, fileName string) string {
	return ChapterPrefix(bookPrefix) + fileName
}

// CombinedKey returns the key of the combined artifact for one format.
func CombinedKey(bookPrefix string, format core.AudioFormat) string {
	return fmt.Sprintf("%s%s/%s.%s", bookPrefix, combinedSegment, combinedName, format)
}

// SignatureKey returns the key of the signature guarding a combined artifact.
func SignatureKey(bookPrefix string, format core.AudioFormat) string {
	return CombinedKey(bookPrefix, format) + ".sig"
}
