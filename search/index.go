// Package search implements the optional C11 transcript search index:
// embed each chunk's text once its recording's transcription stage
// completes, and answer Search(file_id, query, top_k) queries against it.
// Disabled (backend "none") by default; none of the pipeline's invariants
// depend on it.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"neuravox/core"
)

// ChunkDoc is one chunk's text plus its ChunkRange timing, the unit every
// search backend indexes. Assembled by callers from ProcessingMetadata +
// ChunkTranscriptions, since neither alone carries both.
type ChunkDoc struct {
	ChunkIndex int
	StartS     float64
	EndS       float64
	Text       string
}

// Index is the capability every search backend implements.
type Index interface {
	// Upsert indexes or reindexes every chunk of fileID.
	Upsert(ctx context.Context, fileID string, docs []ChunkDoc) error
	// Search returns the topK most relevant chunks of fileID for query.
	Search(ctx context.Context, fileID, query string, topK int) ([]core.Hit, error)
}

// NoneIndex is the default, inert backend: Upsert and Search are no-ops.
type NoneIndex struct{}

func (NoneIndex) Upsert(ctx context.Context, fileID string, docs []ChunkDoc) error { return nil }

func (NoneIndex) Search(ctx context.Context, fileID, query string, topK int) ([]core.Hit, error) {
	return nil, nil
}

type memoryDoc struct {
	ChunkDoc
	vector map[string]float64
}

// MemoryIndex is an in-process cosine-similarity index over term-frequency
// vectors, grounded in the teacher's MemoryVectorStore. Zero external
// dependencies; used only when the "memory" backend is configured, not as a
// fallback for the others. Its contents live in process memory only.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string][]memoryDoc // file_id -> docs
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: map[string][]memoryDoc{}}
}

func (m *MemoryIndex) Upsert(ctx context.Context, fileID string, docs []ChunkDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memoryDoc, 0, len(docs))
	for _, d := range docs {
		out = append(out, memoryDoc{ChunkDoc: d, vector: termFrequency(d.Text)})
	}
	m.docs[fileID] = out
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, fileID, query string, topK int) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	m.mu.RLock()
	docs := m.docs[fileID]
	m.mu.RUnlock()

	qv := termFrequency(query)
	type scored struct {
		doc   memoryDoc
		score float64
	}
	all := make([]scored, 0, len(docs))
	for _, d := range docs {
		all = append(all, scored{doc: d, score: cosineSimilarity(qv, d.vector)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > topK {
		all = all[:topK]
	}
	hits := make([]core.Hit, 0, len(all))
	for _, s := range all {
		hits = append(hits, core.Hit{
			ChunkIndex: s.doc.ChunkIndex,
			Score:      s.score,
			StartS:     s.doc.StartS,
			EndS:       s.doc.EndS,
			Text:       s.doc.Text,
		})
	}
	return hits, nil
}

func termFrequency(text string) map[string]float64 {
	freq := map[string]float64{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		freq[tok]++
	}
	return freq
}

func cosineSimilarity(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for term, va := range a {
		normA += va * va
		if vb, ok := b[term]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
