package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Icon    string `json:"icon,omitempty"`
	Snippet string `json:"snippet"`
}

// Query describes a search request. ActorID scopes every hit to documents the
// actor may read (owner or collaborator); there is no unscoped search.
type Query struct {
	Text    string
	ActorID string
	Limit   int
	Offset  int
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

// DocumentRecord is the data we index for a document. Owner and collaborator
// ids are indexed as filterable attributes so visibility is enforced inside
// the engine, not after the fact.
type DocumentRecord struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Icon          string   `json:"icon"`
	Text          string   `json:"text"`
	OwnerID       string   `json:"ownerId"`
	Collaborators []string `json:"collaborators"`
	Archived      bool     `json:"archived"`
}
