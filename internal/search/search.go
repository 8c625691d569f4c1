package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultRequest ResultType = "request"
	ResultRecord  ResultType = "record"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	Status        string     `json:"status,omitempty"`
	IsOpen        bool       `json:"isOpen,omitempty"`
	TopicRecordID string     `json:"topicRecordId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterStatus string
	FilterOpen   *bool
	Limit        int
	Offset       int
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

// RequestDoc is the data we index for a curation request.
type RequestDoc struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	IsOpen        bool   `json:"isOpen"`
	TopicRecordID string `json:"topicRecordId"`
	CreatedByName string `json:"createdByName"`
	CreatedAt     int64  `json:"createdAt"`
}

// RecordDoc is the data we index for a record.
type RecordDoc struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	OwnerID     string `json:"ownerId"`
	IsPublished bool   `json:"isPublished"`
}
