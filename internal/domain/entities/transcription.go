package entities

// TranscriptionRequest is a single call to the speech-to-text service.
type TranscriptionRequest struct {
	Data     []byte
	Filename string
	Model    string
	Language string
	Prompt   string
	Detailed bool
}

// TranscriptSegment is a timed piece of a detailed transcription.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the outcome of transcribing a recording.
type TranscriptionResult struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Duration float64             `json:"duration,omitempty"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
	Model    string              `json:"model,omitempty"`
	Tier     TranscriptionTier   `json:"tier,omitempty"`
	Chunks   int                 `json:"chunks,omitempty"`
}
