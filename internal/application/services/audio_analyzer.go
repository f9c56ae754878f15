package services

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/pkg/config"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

// assumedKbps is the bitrate used to estimate duration when the stream header
// does not carry one.
var assumedKbps = map[entities.AudioFormat]float64{
	entities.AudioFormatMP3:     128,
	entities.AudioFormatWAV:     1411,
	entities.AudioFormatFLAC:    800,
	entities.AudioFormatOGG:     96,
	entities.AudioFormatOpus:    32,
	entities.AudioFormatWebM:    64,
	entities.AudioFormatMKV:     128,
	entities.AudioFormatM4A:     128,
	entities.AudioFormatMP4:     128,
	entities.AudioFormatAAC:     128,
	entities.AudioFormatAMR:     12.2,
	entities.AudioFormatUnknown: 128,
}

// lossless formats report a wider dynamic range proxy.
var lossless = map[entities.AudioFormat]bool{
	entities.AudioFormatWAV:  true,
	entities.AudioFormatFLAC: true,
}

// AudioAnalyzer inspects raw audio bytes and decides the transcription tier
// and whether the recording must be chunked. It never decodes audio.
type AudioAnalyzer struct {
	cfg config.AudioConfig
}

// NewAudioAnalyzer creates an analyzer with the given thresholds.
func NewAudioAnalyzer(cfg config.AudioConfig) *AudioAnalyzer {
	return &AudioAnalyzer{cfg: cfg}
}

// Analyze detects the format, estimates duration and quality, and builds a chunk plan.
func (a *AudioAnalyzer) Analyze(data []byte, filename string) (*entities.AudioAnalysisResult, error) {
	if len(data) == 0 {
		return nil, apperrors.NewValidationError("audio payload is empty").WithCode(apperrors.CodeInvalidFile)
	}

	format, confidence := detectFormat(data, filename)
	size := int64(len(data))

	kbps, channels := streamBitrate(format, data)
	duration := time.Duration(float64(size*8) / (kbps * 1000) * float64(time.Second))

	result := &entities.AudioAnalysisResult{
		Format:            format,
		FormatConfidence:  confidence,
		SizeBytes:         size,
		EstimatedDuration: duration,
		Quality:           estimateQuality(format, kbps, channels, duration),
	}
	if format == entities.AudioFormatUnknown {
		result.Reasons = append(result.Reasons, "unrecognized container")
	}

	result.Tier = entities.TranscriptionTierStandard
	switch {
	case result.Quality.SignalToNoise < a.cfg.SNRFloor:
		result.Tier = entities.TranscriptionTierHigh
		result.Reasons = append(result.Reasons, fmt.Sprintf("low signal-to-noise %.1f", result.Quality.SignalToNoise))
	case result.Quality.EstimatedSpeakers > 1:
		result.Tier = entities.TranscriptionTierHigh
		result.Reasons = append(result.Reasons, fmt.Sprintf("%d speakers likely", result.Quality.EstimatedSpeakers))
	case duration > a.cfg.LongDuration && confidence < a.cfg.ConfidenceFloor:
		result.Tier = entities.TranscriptionTierHigh
		result.Reasons = append(result.Reasons, "long recording with uncertain format")
	}

	var chunkReasons []string
	if duration > a.cfg.ChunkDurationThreshold {
		chunkReasons = append(chunkReasons, fmt.Sprintf("duration %s over %s", duration.Round(time.Second), a.cfg.ChunkDurationThreshold))
	}
	if size > a.cfg.ChunkSizeThreshold {
		chunkReasons = append(chunkReasons, fmt.Sprintf("size %d over %d bytes", size, a.cfg.ChunkSizeThreshold))
	}
	if result.Quality.SignalToNoise < a.cfg.SNRFloor {
		chunkReasons = append(chunkReasons, "noisy recording")
	}
	if len(chunkReasons) > 0 {
		result.ChunkPlan = a.planChunks(duration)
		result.Reasons = append(result.Reasons, chunkReasons...)
		if a.cfg.MaxChunks > 0 && result.ChunkPlan.ChunkDuration > a.chunkLength(duration) {
			result.Reasons = append(result.Reasons, fmt.Sprintf("chunks widened to %s to stay within %d requests",
				result.ChunkPlan.ChunkDuration.Round(time.Second), a.cfg.MaxChunks))
		}
	}

	return result, nil
}

func (a *AudioAnalyzer) chunkLength(duration time.Duration) time.Duration {
	switch {
	case duration > a.cfg.LongChunkAbove:
		return a.cfg.LongChunk
	case duration > a.cfg.MediumChunkAbove:
		return a.cfg.MediumChunk
	default:
		return a.cfg.ShortChunk
	}
}

func (a *AudioAnalyzer) planChunks(duration time.Duration) *entities.ChunkPlan {
	length := a.chunkLength(duration)
	overlap := a.cfg.ChunkOverlap
	if overlap >= length {
		overlap = 0
	}
	// n chunks of length L cover n*(L-overlap)+overlap.
	if limit := time.Duration(a.cfg.MaxChunks); limit > 0 && limit*(length-overlap)+overlap < duration {
		step := (duration - overlap + limit - 1) / limit
		length = step + overlap
	}

	plan := &entities.ChunkPlan{ChunkDuration: length, Overlap: overlap}
	for start := time.Duration(0); ; {
		end := start + length
		if end > duration {
			end = duration
		}
		plan.Chunks = append(plan.Chunks, entities.ChunkSpan{Index: len(plan.Chunks), Start: start, End: end})
		if end >= duration {
			break
		}
		start = end - overlap
	}
	return plan
}

// detectFormat sniffs magic bytes. The extension is only consulted to break
// ties inside ambiguous container families.
func detectFormat(data []byte, filename string) (entities.AudioFormat, float64) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	head := data
	if len(head) > 64 {
		head = head[:64]
	}

	switch {
	case bytes.HasPrefix(data, []byte("#!AMR")):
		return entities.AudioFormatAMR, 0.98
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return entities.AudioFormatWAV, 0.98
	case bytes.HasPrefix(data, []byte("fLaC")):
		return entities.AudioFormatFLAC, 0.98
	case bytes.HasPrefix(data, []byte("ID3")):
		return entities.AudioFormatMP3, 0.95
	case bytes.HasPrefix(data, []byte("OggS")):
		if bytes.Contains(head, []byte("OpusHead")) {
			return entities.AudioFormatOpus, 0.95
		}
		if ext == "opus" {
			return entities.AudioFormatOpus, 0.7
		}
		return entities.AudioFormatOGG, 0.9
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		switch {
		case bytes.Contains(head, []byte("webm")):
			return entities.AudioFormatWebM, 0.95
		case bytes.Contains(head, []byte("matroska")):
			return entities.AudioFormatMKV, 0.9
		case ext == "mkv" || ext == "mka":
			return entities.AudioFormatMKV, 0.7
		default:
			return entities.AudioFormatWebM, 0.7
		}
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")):
		brand := string(data[8:12])
		switch {
		case strings.HasPrefix(brand, "M4A"):
			return entities.AudioFormatM4A, 0.95
		case ext == "m4a":
			return entities.AudioFormatM4A, 0.75
		default:
			return entities.AudioFormatMP4, 0.75
		}
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xF6 == 0xF0:
		return entities.AudioFormatAAC, 0.85
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 && data[1]&0x06 != 0:
		return entities.AudioFormatMP3, 0.8
	}
	return entities.AudioFormatUnknown, 0
}

const (
	minWAVSampleRate = 1000
	maxWAVSampleRate = 768000
)

var (
	mpeg1Layer3Kbps = [16]float64{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	mpeg2Layer3Kbps = [16]float64{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}
)

// streamBitrate reads the bitrate from WAV and MP3 headers and falls back to
// the format's assumed bitrate.
func streamBitrate(format entities.AudioFormat, data []byte) (float64, int) {
	switch format {
	case entities.AudioFormatWAV:
		if byteRate, channels, ok := wavHeader(data); ok {
			return float64(byteRate) * 8 / 1000, channels
		}
	case entities.AudioFormatMP3:
		if kbps, channels, ok := mp3FrameHeader(data); ok {
			return kbps, channels
		}
	}
	return assumedKbps[format], 1
}

// wavHeader trusts the fmt chunk's byte rate only when it agrees with
// sampleRate*blockAlign; anything else falls back to the assumed bitrate.
func wavHeader(data []byte) (byteRate, channels int, ok bool) {
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if id == "fmt " && body+16 <= len(data) {
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate := int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			byteRate = int(binary.LittleEndian.Uint32(data[body+8 : body+12]))
			blockAlign := int(binary.LittleEndian.Uint16(data[body+12 : body+14]))
			if sampleRate < minWAVSampleRate || sampleRate > maxWAVSampleRate || blockAlign == 0 || byteRate != sampleRate*blockAlign {
				return 0, 0, false
			}
			return byteRate, channels, true
		}
		off = body + size + size%2
	}
	return 0, 0, false
}

func mp3FrameHeader(data []byte) (float64, int, bool) {
	off := 0
	if bytes.HasPrefix(data, []byte("ID3")) && len(data) >= 10 {
		tagSize := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
		off = 10 + tagSize
	}

	limit := off + 8*1024
	if limit > len(data)-4 {
		limit = len(data) - 4
	}
	for i := off; i < limit; i++ {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			continue
		}
		version := (data[i+1] >> 3) & 0x03
		layer := (data[i+1] >> 1) & 0x03
		index := data[i+2] >> 4
		if layer != 0x01 || version == 0x01 {
			continue
		}
		var kbps float64
		if version == 0x03 {
			kbps = mpeg1Layer3Kbps[index]
		} else {
			kbps = mpeg2Layer3Kbps[index]
		}
		if kbps == 0 {
			continue
		}
		channels := 2
		if data[i+3]>>6 == 0x03 {
			channels = 1
		}
		return kbps, channels, true
	}
	return 0, 0, false
}

// estimateQuality derives quality proxies from bitrate and length alone.
func estimateQuality(format entities.AudioFormat, kbps float64, channels int, duration time.Duration) entities.AudioQuality {
	if kbps <= 0 {
		kbps = 1
	}
	perChannel := kbps / math.Max(1, float64(channels))

	snr := 10 + 20*math.Log10(perChannel/32)
	snr = math.Max(0, math.Min(60, snr))

	volume := math.Min(1, math.Log2(1+kbps)/math.Log2(1+320))

	dynamicRange := 20 + snr*0.8
	if lossless[format] {
		dynamicRange += 20
	}

	speakers := 1
	if channels > 1 && duration > 15*time.Minute {
		speakers = 2
	}

	return entities.AudioQuality{
		SignalToNoise:     math.Round(snr*10) / 10,
		AverageVolume:     math.Round(volume*100) / 100,
		DynamicRange:      math.Round(dynamicRange*10) / 10,
		EstimatedSpeakers: speakers,
	}
}
