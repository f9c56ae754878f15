// Package audio cuts recordings into chunks without decoding them.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
)

// ErrUnsplittable is returned for containers whose chunks would not be playable
// on their own (mp4/m4a, ogg, webm, flac).
var ErrUnsplittable = providers.ErrUnsplittable

const (
	frameSearchWindow = 8 * 1024
	amrHeader         = "#!AMR\n"
)

// ByteSplitter splits WAV by rewriting the RIFF header per chunk and splits
// frame-based streams (mp3, aac, amr) at frame boundaries.
type ByteSplitter struct{}

// NewByteSplitter creates a splitter
func NewByteSplitter() providers.AudioSplitter {
	return &ByteSplitter{}
}

// Split follows the analysis chunk plan. Without a plan the whole recording is one chunk.
func (s *ByteSplitter) Split(data []byte, filename string, analysis *entities.AudioAnalysisResult) ([]entities.AudioChunk, error) {
	if analysis == nil || !analysis.NeedsChunking() {
		return []entities.AudioChunk{{Index: 0, Filename: filename, Data: data, End: durationOf(analysis)}}, nil
	}

	switch analysis.Format {
	case entities.AudioFormatWAV:
		return splitWAV(data, filename, analysis.ChunkPlan)
	case entities.AudioFormatMP3, entities.AudioFormatAAC:
		return splitFrames(data, filename, analysis, nil)
	case entities.AudioFormatAMR:
		return splitFrames(data, filename, analysis, []byte(amrHeader))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsplittable, analysis.Format)
	}
}

func durationOf(a *entities.AudioAnalysisResult) time.Duration {
	if a == nil {
		return 0
	}
	return a.EstimatedDuration
}

type wavLayout struct {
	fmtChunk   []byte
	pcm        []byte
	byteRate   int
	blockAlign int
}

func parseWAV(data []byte) (*wavLayout, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE stream")
	}

	layout := &wavLayout{}
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, errors.New("short fmt chunk")
			}
			layout.fmtChunk = data[body:end]
			layout.byteRate = int(binary.LittleEndian.Uint32(data[body+8 : body+12]))
			layout.blockAlign = int(binary.LittleEndian.Uint16(data[body+12 : body+14]))
		case "data":
			layout.pcm = data[body:end]
		}

		off = body + size + size%2
	}

	if layout.fmtChunk == nil || layout.pcm == nil {
		return nil, errors.New("wav stream missing fmt or data chunk")
	}
	if layout.byteRate <= 0 {
		return nil, errors.New("wav stream has zero byte rate")
	}
	if layout.blockAlign <= 0 {
		layout.blockAlign = 1
	}
	return layout, nil
}

func splitWAV(data []byte, filename string, plan *entities.ChunkPlan) ([]entities.AudioChunk, error) {
	layout, err := parseWAV(data)
	if err != nil {
		return nil, fmt.Errorf("split wav: %w", err)
	}

	chunks := make([]entities.AudioChunk, 0, len(plan.Chunks))
	for _, span := range plan.Chunks {
		start := alignDown(int(span.Start.Seconds()*float64(layout.byteRate)), layout.blockAlign)
		end := alignDown(int(span.End.Seconds()*float64(layout.byteRate)), layout.blockAlign)
		if end > len(layout.pcm) {
			end = alignDown(len(layout.pcm), layout.blockAlign)
		}
		if start >= end {
			continue
		}

		chunks = append(chunks, entities.AudioChunk{
			Index:    span.Index,
			Filename: chunkFilename(filename, span.Index),
			Data:     buildWAV(layout.fmtChunk, layout.pcm[start:end]),
			Start:    span.Start,
			End:      span.End,
		})
	}
	if len(chunks) == 0 {
		return nil, errors.New("split wav: chunk plan produced no audio")
	}
	return chunks, nil
}

func buildWAV(fmtChunk, pcm []byte) []byte {
	var buf bytes.Buffer
	riffSize := 4 + 8 + len(fmtChunk) + len(fmtChunk)%2 + 8 + len(pcm)
	buf.Grow(8 + riffSize)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(riffSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(fmtChunk)))
	buf.Write(fmtChunk)
	if len(fmtChunk)%2 == 1 {
		buf.WriteByte(0)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// splitFrames cuts proportionally to the estimated duration and moves each cut
// forward to the next frame sync so every chunk starts on a frame.
func splitFrames(data []byte, filename string, analysis *entities.AudioAnalysisResult, header []byte) ([]entities.AudioChunk, error) {
	if analysis.EstimatedDuration <= 0 {
		return nil, errors.New("split frames: unknown duration")
	}

	payloadStart := 0
	if header != nil && bytes.HasPrefix(data, header) {
		payloadStart = len(header)
	}
	payload := data[payloadStart:]
	bytesPerSecond := float64(len(payload)) / analysis.EstimatedDuration.Seconds()

	chunks := make([]entities.AudioChunk, 0, len(analysis.ChunkPlan.Chunks))
	for _, span := range analysis.ChunkPlan.Chunks {
		start := int(span.Start.Seconds() * bytesPerSecond)
		end := int(span.End.Seconds() * bytesPerSecond)
		if end > len(payload) {
			end = len(payload)
		}
		if start > 0 && header == nil {
			start = nextFrameSync(payload, start)
		}
		if start >= end {
			continue
		}

		part := make([]byte, 0, len(header)+end-start)
		part = append(part, header...)
		part = append(part, payload[start:end]...)

		chunks = append(chunks, entities.AudioChunk{
			Index:    span.Index,
			Filename: chunkFilename(filename, span.Index),
			Data:     part,
			Start:    span.Start,
			End:      span.End,
		})
	}
	if len(chunks) == 0 {
		return nil, errors.New("split frames: chunk plan produced no audio")
	}
	return chunks, nil
}

// nextFrameSync returns the first offset at or after from holding an 11-bit
// frame sync (mp3 and adts), or from when none is near.
func nextFrameSync(data []byte, from int) int {
	limit := from + frameSearchWindow
	if limit > len(data)-1 {
		limit = len(data) - 1
	}
	for i := from; i < limit; i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return from
}

func alignDown(n, block int) int {
	if n < 0 {
		return 0
	}
	return n - n%block
}

func chunkFilename(filename string, index int) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	if base == "" {
		base = "audio"
	}
	return fmt.Sprintf("%s_part%03d%s", base, index, ext)
}
