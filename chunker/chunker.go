// Package chunker splits a script into duration-bounded slices that traverse
// the pipeline as independent, independently-cacheable units.
package chunker

import (
	"strings"
)

// WordsPerMinute is the narration speed assumed when estimating how long a
// paragraph takes to speak.
const WordsPerMinute = 150

// DefaultTargetMinutes bounds a chunk's estimated narration duration.
const DefaultTargetMinutes = 1.0

// Chunk is a contiguous slice of the script body. Only the first chunk
// carries the script title.
type Chunk struct {
	Index                    int
	Title                    string
	Text                     string
	EstimatedDurationSeconds float64
}

// Split breaks the script text into chunks of at most
// targetMinutes × WordsPerMinute words. Paragraphs are never split: a single
// paragraph over the budget becomes its own oversized chunk. The last chunk
// may be arbitrarily short.
//
// Lines starting with heading markers are excluded from chunk bodies; the
// first heading becomes the title of chunk 0.
func Split(text string, targetMinutes float64) []Chunk {
	if targetMinutes <= 0 {
		targetMinutes = DefaultTargetMinutes
	}
	wordBudget := int(targetMinutes * WordsPerMinute)

	title, paragraphs := parse(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []string
	currentWords := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		body := strings.Join(current, "\n\n")
		chunk := Chunk{
			Index:                    len(chunks),
			Text:                     body,
			EstimatedDurationSeconds: EstimateDurationSeconds(body),
		}
		if chunk.Index == 0 {
			chunk.Title = title
		}
		chunks = append(chunks, chunk)
		current = nil
		currentWords = 0
	}

	for _, paragraph := range paragraphs {
		words := wordCount(paragraph)
		if currentWords > 0 && currentWords+words > wordBudget {
			flush()
		}
		current = append(current, paragraph)
		currentWords += words
	}
	flush()

	return chunks
}

// EstimateDurationSeconds returns the estimated narration duration of text
// at WordsPerMinute.
func EstimateDurationSeconds(text string) float64 {
	return float64(wordCount(text)) / WordsPerMinute * 60
}

// parse splits on blank lines into paragraphs and pulls out heading lines.
func parse(text string) (string, []string) {
	var title string
	var paragraphs []string

	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		var bodyLines []string
		for _, line := range strings.Split(block, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, "#") {
				if title == "" {
					title = strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
				}
				continue
			}
			bodyLines = append(bodyLines, trimmed)
		}
		if len(bodyLines) > 0 {
			paragraphs = append(paragraphs, strings.Join(bodyLines, "\n"))
		}
	}

	return title, paragraphs
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
