package rules

import "math"

// Chunk is a run of whole pages presented to the fact extractor in one call.
// Pages are never split; consecutive chunks share an overlap so facts
// straddling a chunk boundary are still seen in context.
type Chunk struct {
	PageIDs []string
	Texts   []string
}

// chunkPages splits a section's pages into chunks of at most chunkPages
// pages, carrying ceil(overlapFraction*chunkPages) trailing pages of the
// previous chunk into the next.
func chunkPages(pageIDs, texts []string, chunkPages int, overlapFraction float64) []Chunk {
	if len(pageIDs) == 0 {
		return nil
	}
	if chunkPages <= 0 {
		chunkPages = 10
	}
	if len(pageIDs) <= chunkPages {
		return []Chunk{{PageIDs: pageIDs, Texts: texts}}
	}

	overlap := 0
	if overlapFraction > 0 {
		overlap = int(math.Ceil(overlapFraction * float64(chunkPages)))
	}
	if overlap >= chunkPages {
		overlap = chunkPages - 1
	}
	step := chunkPages - overlap

	var chunks []Chunk
	for start := 0; start < len(pageIDs); start += step {
		end := start + chunkPages
		if end > len(pageIDs) {
			end = len(pageIDs)
		}
		chunks = append(chunks, Chunk{
			PageIDs: pageIDs[start:end],
			Texts:   texts[start:end],
		})
		if end == len(pageIDs) {
			break
		}
	}
	return chunks
}
