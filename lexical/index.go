package lexical

import (
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is an in-memory inverted index scoring documents with BM25L.
//
// It exists for the hybrid retrieval path: items are added as they are
// (re)embedded and removed when their owner disappears, mirroring the
// incremental maintenance of the vector side.
type MemoryIndex struct {
	mu          sync.RWMutex
	params      Params
	postings    map[string]map[string]int // term -> docID -> tf
	docTerms    map[string][]string       // docID -> distinct terms, for O(terms) removal
	docLengths  map[string]int
	totalLength int64
}

// NewMemoryIndex creates an empty index with the given BM25L parameters.
func NewMemoryIndex(params Params) *MemoryIndex {
	return &MemoryIndex{
		params:     params,
		postings:   make(map[string]map[string]int),
		docTerms:   make(map[string][]string),
		docLengths: make(map[string]int),
	}
}

// Tokenize lowercases and splits text on whitespace, trimming common
// punctuation from token edges.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Add indexes (or re-indexes) a document.
func (idx *MemoryIndex) Add(docID, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.deleteLocked(docID)

	tokens := Tokenize(text)
	idx.docLengths[docID] = len(tokens)
	idx.totalLength += int64(len(tokens))

	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	terms := make([]string, 0, len(tf))
	for t, count := range tf {
		m := idx.postings[t]
		if m == nil {
			m = make(map[string]int)
			idx.postings[t] = m
		}
		m[docID] = count
		terms = append(terms, t)
	}
	idx.docTerms[docID] = terms
}

// Delete removes a document from the index. Unknown ids are a no-op.
func (idx *MemoryIndex) Delete(docID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(docID)
}

func (idx *MemoryIndex) deleteLocked(docID string) {
	length, ok := idx.docLengths[docID]
	if !ok {
		return
	}

	for _, t := range idx.docTerms[docID] {
		if m := idx.postings[t]; m != nil {
			delete(m, docID)
			if len(m) == 0 {
				delete(idx.postings, t)
			}
		}
	}

	delete(idx.docTerms, docID)
	delete(idx.docLengths, docID)
	idx.totalLength -= int64(length)
}

// Len returns the number of indexed documents.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docLengths)
}

// Scored is one ranked lexical result.
type Scored struct {
	DocID string
	Score float64
}

// Search scores all documents containing at least one query term and returns
// them ordered by descending BM25L score.
func (idx *MemoryIndex) Search(query string) []Scored {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.docLengths) == 0 {
		return nil
	}

	queryTerms := Tokenize(query)
	totalDocs := len(idx.docLengths)
	avgDocLen := float64(idx.totalLength) / float64(totalDocs)

	candidates := make(map[string]struct{})
	docFreqs := make(map[string]int, len(queryTerms))
	for _, t := range queryTerms {
		m := idx.postings[t]
		docFreqs[t] = len(m)
		for docID := range m {
			candidates[docID] = struct{}{}
		}
	}

	results := make([]Scored, 0, len(candidates))
	for docID := range candidates {
		tf := make(map[string]int, len(queryTerms))
		for _, t := range queryTerms {
			if m := idx.postings[t]; m != nil {
				if c, ok := m[docID]; ok {
					tf[t] = c
				}
			}
		}

		score := Score(tf, idx.docLengths[docID], avgDocLen, totalDocs, docFreqs, queryTerms, idx.params)
		if score > 0 {
			results = append(results, Scored{DocID: docID, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})

	return results
}
