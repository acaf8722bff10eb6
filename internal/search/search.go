package search

// Result is a single search hit returned to the caller.
type Result struct {
	DocID   int64  `json:"docId"`
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	Snippet string `json:"snippet"`
	Tags    string `json:"tags,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterLibraryID int64 // zero = all libraries
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document. Body is the
// concatenated plain text of the document's blocks.
type DocumentRecord struct {
	ID        string `json:"id"`
	DocID     int64  `json:"docId"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Tags      string `json:"tags"`
	Body      string `json:"body"`
	LibraryID int64  `json:"libraryId"`
}
