package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisTier selects the language model configuration for an analysis call.
type AnalysisTier string

const (
	AnalysisTierSimple   AnalysisTier = "simple"
	AnalysisTierStandard AnalysisTier = "standard"
	AnalysisTierComplex  AnalysisTier = "complex"
	// AnalysisTierLegacy marks results from the untiered path.
	AnalysisTierLegacy AnalysisTier = "legacy"
)

// Task priorities accepted in an analysis.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Sentiments accepted in an analysis.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
	SentimentMixed    = "mixed"
)

// NoteAnalysis is the structured extraction produced for a note transcript.
type NoteAnalysis struct {
	Summary       string         `json:"summary"`
	Tasks         []Task         `json:"tasks"`
	People        []Person       `json:"people"`
	Relationships []Relationship `json:"relationships"`
	Topics        []string       `json:"topics"`
	KeyPoints     []string       `json:"key_points"`
	Sentiment     string         `json:"sentiment"`
	Confidence    float64        `json:"confidence"`
	Tier          AnalysisTier   `json:"tier,omitempty"`
	Model         string         `json:"model,omitempty"`
}

// Task is an action item extracted from a note.
type Task struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// Person is someone mentioned in a note.
type Person struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship,omitempty"`
	Context      string `json:"context,omitempty"`
}

// Relationship links two people mentioned in a note.
type Relationship struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Value implements driver.Valuer so the analysis is stored as JSONB.
func (a NoteAnalysis) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner for JSONB columns.
func (a *NoteAnalysis) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported analysis column type %T", value)
	}
	return json.Unmarshal(raw, a)
}

// AnalysisOutcome is what the analysis orchestrator hands back to the coordinator.
type AnalysisOutcome struct {
	Analysis   *NoteAnalysis
	Tier       AnalysisTier
	Model      string
	Complexity float64
	FromCache  bool
	Warnings   []string
}

// AnalysisCacheEntry is a cached analysis keyed by transcript and context.
type AnalysisCacheEntry struct {
	Key        string        `json:"key"`
	Result     *NoteAnalysis `json:"result"`
	Tier       AnalysisTier  `json:"tier"`
	Confidence float64       `json:"confidence"`
	InsertedAt time.Time     `json:"inserted_at"`
}
