package entities

import (
	"time"

	"github.com/google/uuid"
)

// NoteEventType represents the type of note event
type NoteEventType string

const (
	NoteEventTypeTranscribed NoteEventType = "note.transcribed"
	NoteEventTypeProcessed   NoteEventType = "note.processed"
	NoteEventTypeFailed      NoteEventType = "note.failed"
)

// NoteEvent is published when a note moves through the pipeline
type NoteEvent struct {
	ID        string                 `json:"id"`
	NoteID    string                 `json:"note_id"`
	UserID    string                 `json:"user_id"`
	EventType NoteEventType          `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewNoteEvent creates a new note event
func NewNoteEvent(noteID, userID string, eventType NoteEventType, details map[string]interface{}) *NoteEvent {
	return &NoteEvent{
		ID:        generateEventID(),
		NoteID:    noteID,
		UserID:    userID,
		EventType: eventType,
		Timestamp: time.Now(),
		Details:   details,
	}
}

func generateEventID() string {
	return uuid.NewString()
}
