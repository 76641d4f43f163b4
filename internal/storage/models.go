package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Staged product statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
	StatusDuplicate  = "duplicate"
)

// Failure kinds recorded alongside StatusFailed.
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// Product link statuses. A NULL link_status means the product still awaits linking.
const (
	LinkLinked  = "linked"
	LinkSkipped = "skipped"
	LinkFailed  = "failed"
)

// Pipeline run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type StagedProduct struct {
	ID           string
	Source       string
	SourceID     string
	URL          string
	Payload      string // raw JSON exactly as scraped
	Status       string
	ErrorMessage string
	FailureKind  string
	Attempts     int
	ClaimedAt    time.Time
	ClaimedByRun string
	ProductID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Product struct {
	ID              string
	StagedProductID string
	Source          string
	SourceID        string
	IdentityKey     string
	Name            string
	Brand           string
	Category        string
	Price           *float64
	Currency        string
	Size            string
	Description     string
	IngredientsRaw  *string
	Metadata        string // JSON object stored as text
	LinkStatus      string
	LinkError       string
	LinkedAt        time.Time
	CreatedAt       time.Time
}

type Ingredient struct {
	ID             string
	NormalizedName string
	INCIName       string
	CommonName     string
	LocalName      string
	Functions      string // JSON array stored as text
	SafetyLevel    string
	SafetyNotes    string
	Enriched       bool
	CreatedAt      time.Time
}

type ProductIngredient struct {
	ProductID    string
	IngredientID string
	Position     int
	MatchKind    string
	RawToken     string
	CreatedAt    time.Time
}

type PipelineRun struct {
	ID           string
	Phase        string
	Source       string
	Status       string
	Scraped      int
	Created      int
	Processed    int
	Linked       int
	Skipped      int
	Failed       int
	Duplicates   int
	Calls        int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Metadata     string // JSON object stored as text
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}
