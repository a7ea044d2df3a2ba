package transcode

import (
	"fmt"
	"strings"
)

// ffmetadataHeader is the magic line of ffmpeg's metadata file format.
const ffmetadataHeader = ";FFMETADATA1"

// chapterTimebase expresses marker offsets in milliseconds.
const chapterTimebase = "1/1000"

// ChapterMarker is one entry of a combined artifact's chapter timeline.
type ChapterMarker struct {
	Title   string
	StartMS int64
	EndMS   int64
}

// ChapterMetadata renders the ffmetadata document that injects chapter
// markers during concatenation.
func ChapterMetadata(markers []ChapterMarker) string {
	var builder strings.Builder

	builder.WriteString(ffmetadataHeader + "\n")

	for _, marker := range markers {
		builder.WriteString("[CHAPTER]\n")
		fmt.Fprintf(&builder, "TIMEBASE=%s\n", chapterTimebase)
		fmt.Fprintf(&builder, "START=%d\n", marker.StartMS)
		fmt.Fprintf(&builder, "END=%d\n", marker.EndMS)
		fmt.Fprintf(&builder, "title=%s\n", escapeMetadataValue(marker.Title))
	}

	return builder.String()
}

// escapeMetadataValue escapes the characters the ffmetadata format treats
// specially: '=', ';', '#', '\' and newlines.
func escapeMetadataValue(value string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		"=", `\=`,
		";", `\;`,
		"#", `\#`,
		"\n", `\`+"\n",
	)

	return replacer.Replace(value)
}
