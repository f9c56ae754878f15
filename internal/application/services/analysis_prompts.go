package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// DefaultAnalysisSystemPrompt asks for the note analysis JSON object.
const DefaultAnalysisSystemPrompt = `You extract structure from a transcribed voice note. Return ONLY valid JSON with this schema:
{
  "summary": string (1-3 sentences),
  "tasks": [{"title": string, "description": string, "priority": "low"|"medium"|"high", "due_date": string (YYYY-MM-DD, optional), "assignee": string (optional)}],
  "people": [{"name": string, "relationship": string, "context": string}],
  "relationships": [{"from": string, "to": string, "type": string}],
  "topics": string[],
  "key_points": string[],
  "sentiment": "positive"|"neutral"|"negative"|"mixed",
  "confidence": number between 0 and 1
}
Resolve relative dates against the recording date. Use names from prior context when the speaker refers to known people. Do not invent tasks that are not in the transcript.`

func buildAnalysisUserPrompt(transcript, contextText string, recordedAt time.Time) string {
	var b strings.Builder
	if !recordedAt.IsZero() {
		fmt.Fprintf(&b, "Recorded at: %s\n\n", recordedAt.UTC().Format(time.RFC3339))
	}
	if contextText != "" {
		fmt.Fprintf(&b, "Prior context:\n%s\n\n", contextText)
	}
	fmt.Fprintf(&b, "Transcript:\n%s\n", transcript)
	return b.String()
}

// BuildContextText renders a user's prior notes for the analysis prompt.
func BuildContextText(uc *entities.UserContext) string {
	if uc.IsEmpty() {
		return ""
	}
	var b strings.Builder
	if len(uc.RecentSummaries) > 0 {
		b.WriteString("Recent notes:\n")
		for _, s := range uc.RecentSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(uc.KnownPeople) > 0 {
		fmt.Fprintf(&b, "Known people: %s\n", strings.Join(uc.KnownPeople, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
