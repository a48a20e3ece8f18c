package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	CategoryID  string `json:"categoryId"`
	Subcategory string `json:"subcategory"`
	Status      string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text       string
	CategoryID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

const (
	EngineMeili    = "meilisearch"
	EnginePostgres = "postgres"
)

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push documents into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	CategoryID   string   `json:"categoryId"`
	CategoryName string   `json:"categoryName"`
	Subcategory  string   `json:"subcategory"`
	Tags         []string `json:"tags"`
	Status       string   `json:"status"`
	UpdatedAt    int64    `json:"updatedAt"`
}

const defaultLimit = 20

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
