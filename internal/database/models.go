package database

import "time"

// Candidate is a freshly fetched item before it enters the registry.
type Candidate struct {
	SourceID        string
	Community       string
	Title           string
	Body            string
	URL             string
	ImgText         string
	LinkFlair       string
	EngagementScore int
	NumComments     int
	CreatedUTC      time.Time
	AuthorID        *string
	AuthorName      string
}

// Outcome says whether an upsert inserted or refreshed a row.
type Outcome string

const (
	Created Outcome = "created"
	Updated Outcome = "updated"
)

// UpsertResult is returned by UpsertItem.
type UpsertResult struct {
	Outcome Outcome
	ItemID  int64
}

// Item is a stored content item.
type Item struct {
	ID              int64
	SourceID        string
	Community       string
	Title           string
	Body            string
	URL             string
	ImgText         *string
	LinkFlair       *string
	EngagementScore int
	NumComments     int
	CreatedUTC      time.Time
	AuthorID        *string
	AuthorName      *string
	IngestedAt      time.Time
	UpdatedAt       time.Time
	Scored          bool
	Embedded        bool
	Clustered       bool
	Status          string
	HeuristicScore  *float64
	PriorityScore   *int
	Theme           *string
	Rationale       *string
	Tags            []string
	AuthorGender    *string
	Vector          []float64
	ThemeID         *int64
}

// Text returns the title and body joined, for embedding and scoring.
func (it *Item) Text() string {
	text := it.Title
	if it.Body != "" {
		text += "\n\n" + it.Body
	}
	if it.ImgText != nil && *it.ImgText != "" {
		text += "\n\n" + *it.ImgText
	}
	return text
}

// Author is a content author as known to the source.
type Author struct {
	ID           string
	Username     string
	CreatedUTC   *time.Time
	CommentKarma *int
	LinkKarma    *int
	IsVerified   *bool
	FirstSeen    time.Time
}

// ItemScore is what the score stage writes back.
type ItemScore struct {
	HeuristicScore float64
	PriorityScore  int
	Theme          string
	Rationale      string
	Tags           []string
	AuthorGender   string
}

// Theme is a cluster of related items.
type Theme struct {
	ID             int64
	Text           string
	Vector         []float64
	ExampleItemIDs []int64
	ScoreAgg       float64
	ItemCount      int
	CreatedAt      time.Time
}

// RunState is the singleton pipeline run record.
type RunState struct {
	IsRunning      bool
	LastStart      time.Time
	LastCompletion time.Time
	LastFailure    time.Time
	LastError      string
	PID            int
	OwnerID        string
	HeartbeatAt    time.Time
}

// Owner identifies the process holding a run.
type Owner struct {
	ID  string
	PID int
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalItems     int
	PendingScore   int
	PendingEmbed   int
	PendingCluster int
	Themes         int
	Authors        int
	MissingAuthors int
	ByStatus       map[string]int
}
