package entities

import "time"

// AudioFormat is a container format recognized by the audio analyzer.
type AudioFormat string

const (
	AudioFormatMP3     AudioFormat = "mp3"
	AudioFormatWAV     AudioFormat = "wav"
	AudioFormatFLAC    AudioFormat = "flac"
	AudioFormatOGG     AudioFormat = "ogg"
	AudioFormatOpus    AudioFormat = "opus"
	AudioFormatWebM    AudioFormat = "webm"
	AudioFormatMKV     AudioFormat = "mkv"
	AudioFormatM4A     AudioFormat = "m4a"
	AudioFormatMP4     AudioFormat = "mp4"
	AudioFormatAAC     AudioFormat = "aac"
	AudioFormatAMR     AudioFormat = "amr"
	AudioFormatUnknown AudioFormat = "unknown"
)

// TranscriptionTier selects the speech-to-text model.
type TranscriptionTier string

const (
	TranscriptionTierStandard TranscriptionTier = "standard"
	TranscriptionTierHigh     TranscriptionTier = "high"
)

// AudioQuality holds heuristic quality proxies derived from the byte stream.
type AudioQuality struct {
	SignalToNoise     float64 `json:"signal_to_noise"`
	AverageVolume     float64 `json:"average_volume"`
	DynamicRange      float64 `json:"dynamic_range"`
	EstimatedSpeakers int     `json:"estimated_speakers"`
}

// ChunkSpan is one time range of a chunk plan.
type ChunkSpan struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// ChunkPlan describes how a long recording is split for transcription.
type ChunkPlan struct {
	ChunkDuration time.Duration `json:"chunk_duration"`
	Overlap       time.Duration `json:"overlap"`
	Chunks        []ChunkSpan   `json:"chunks"`
}

// AudioAnalysisResult is the audio analyzer's verdict on a recording.
type AudioAnalysisResult struct {
	Format            AudioFormat       `json:"format"`
	FormatConfidence  float64           `json:"format_confidence"`
	SizeBytes         int64             `json:"size_bytes"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	Quality           AudioQuality      `json:"quality"`
	Tier              TranscriptionTier `json:"tier"`
	ChunkPlan         *ChunkPlan        `json:"chunk_plan,omitempty"`
	Reasons           []string          `json:"reasons,omitempty"`
}

// NeedsChunking reports whether the recording must be split.
func (r *AudioAnalysisResult) NeedsChunking() bool {
	return r.ChunkPlan != nil && len(r.ChunkPlan.Chunks) > 1
}

// AudioChunk is a playable slice of a recording.
type AudioChunk struct {
	Index    int
	Filename string
	Data     []byte
	Start    time.Duration
	End      time.Duration
}
