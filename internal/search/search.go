package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultNode    ResultType = "node"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	NodeID    string     `json:"nodeId,omitempty"`
}

// Query describes a search request. ProjectID is mandatory: search is
// always scoped to one project.
type Query struct {
	Text       string
	ProjectID  string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexNode(n NodeRecord) error
	IndexComment(c CommentRecord) error
	DeleteNode(id string) error
	DeleteComment(id string) error
}

// NodeRecord is the data we index for a node. The indexed id is
// "projectID:nodeID" since node ids are only unique within a project.
type NodeRecord struct {
	ID        string `json:"id"`
	NodeID    string `json:"nodeId"`
	Label     string `json:"label"`
	ProjectID string `json:"projectId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	CommentID  string `json:"commentId"`
	Body       string `json:"body"`
	AuthorName string `json:"authorName"`
	ProjectID  string `json:"projectId"`
	NodeID     string `json:"nodeId"`
}
