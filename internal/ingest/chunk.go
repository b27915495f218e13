package ingest

import "strings"

const (
	// ChunkWords is the target chunk size for embedding.
	ChunkWords = 500
	// OverlapWords is how many words consecutive chunks share, so a fact
	// split across a boundary still lands whole in one chunk.
	OverlapWords = 100
)

// ChunkText splits text into word-based chunks of ChunkWords with
// OverlapWords of overlap. Whitespace runs collapse to single spaces.
func ChunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= ChunkWords {
		return []string{strings.Join(words, " ")}
	}
	stride := ChunkWords - OverlapWords
	var chunks []string
	for start := 0; start < len(words); start += stride {
		end := start + ChunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
