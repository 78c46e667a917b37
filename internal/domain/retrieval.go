package domain

// Candidate is a passage returned by the retrieval index. It lives only for
// the duration of one query.
type Candidate struct {
	ID         string
	Content    string
	Metadata   map[string]any
	Score      float64
	DocumentID string
	FileName   string
}

// SparseVector is a lexical embedding: parallel term indices and weights.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Passage is a chunk of an ingested document ready for indexing.
type Passage struct {
	Text     string
	Metadata map[string]any
}

// DocumentSummary aggregates the indexed passages of one uploaded document.
type DocumentSummary struct {
	FileID   string `json:"file_id"`
	FileName string `json:"filename"`
	Chunks   int    `json:"chunks"`
}
