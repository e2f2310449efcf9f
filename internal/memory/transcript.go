// Package memory turns finished conversations into retrievable documents and
// finds relevant ones for new queries. Retrieval is best effort: failures are
// logged and yield no snippets.
package memory

import (
	"strings"
	"time"

	"shellmind/internal/store"
)

// TimeFormat is the timestamp layout used in transcript documents.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTranscript renders entries as the tagged transcript document:
//
//	<conversation><message role=".." time="..">..</message><toolCall name=".." time=".."><input>..</input><output>..</output></toolCall></conversation>
//
// Entries are concatenated without separators and content is written as is.
// Existing indexed documents depend on this exact layout.
func FormatTranscript(entries []store.Entry) string {
	var b strings.Builder
	b.WriteString("<conversation>")
	for _, e := range entries {
		switch {
		case e.Message != nil:
			m := e.Message
			b.WriteString(`<message role="`)
			b.WriteString(string(m.Role))
			b.WriteString(`" time="`)
			b.WriteString(formatTime(m.Timestamp))
			b.WriteString(`">`)
			b.WriteString(m.Content)
			b.WriteString("</message>")
		case e.ToolCall != nil:
			tc := e.ToolCall
			b.WriteString(`<toolCall name="`)
			b.WriteString(tc.ToolName)
			b.WriteString(`" time="`)
			b.WriteString(formatTime(tc.Timestamp))
			b.WriteString(`"><input>`)
			b.WriteString(tc.Input)
			b.WriteString("</input><output>")
			b.WriteString(tc.Output)
			b.WriteString("</output></toolCall>")
		}
	}
	b.WriteString("</conversation>")
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
