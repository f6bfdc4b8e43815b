// Package openai provides an [asr.Engine] backed by the OpenAI audio
// transcription API. It is the remote alternative to the whispercpp adapter
// for hosts without a local model; each Transcribe call uploads one window of
// audio as a WAV file and parses the verbose-JSON response for segment (and
// optionally word) timestamps.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	openailib "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/verbatim-ai/verbatim/pkg/asr"
)

// Compile-time assertion that Engine satisfies asr.Engine.
var _ asr.Engine = (*Engine)(nil)

const sampleRate = 16000

// Engine implements asr.Engine against the OpenAI transcription endpoint.
type Engine struct {
	clientOpts []option.RequestOption
	client     openailib.Client
	model      string
	language   string
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithBaseURL overrides the API endpoint, e.g. for an OpenAI-compatible local
// server.
func WithBaseURL(url string) Option {
	return func(e *Engine) {
		e.clientOpts = append(e.clientOpts, option.WithBaseURL(url))
	}
}

// New creates an engine authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	e := &Engine{
		clientOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
		model:      string(openailib.AudioModelWhisper1),
		language:   "en",
	}
	for _, o := range opts {
		o(e)
	}
	e.client = openailib.NewClient(e.clientOpts...)
	return e, nil
}

// Load records the remote model identifier. No network call is made; model
// validity surfaces on the first Transcribe.
func (e *Engine) Load(model string) error {
	if model != "" {
		e.model = model
	}
	return nil
}

// Close releases nothing; the HTTP client is stateless. Idempotent.
func (e *Engine) Close() error { return nil }

// SetThreads is a no-op for the remote engine.
func (e *Engine) SetThreads(int) {}

// SetLanguage selects the recognition language hint.
func (e *Engine) SetLanguage(code string) error {
	if code == "" {
		return errors.New("openai: language code must not be empty")
	}
	e.language = code
	return nil
}

// verboseTranscription mirrors the verbose-JSON response shape.
type verboseTranscription struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe uploads the samples and returns the response segments with
// millisecond timings.
func (e *Engine) Transcribe(ctx context.Context, samples []int16) ([]asr.Segment, error) {
	return e.transcribe(ctx, samples, false)
}

// TranscribeWithWords requests word-level timestamp granularity in addition
// to segments.
func (e *Engine) TranscribeWithWords(ctx context.Context, samples []int16) ([]asr.Segment, error) {
	return e.transcribe(ctx, samples, true)
}

func (e *Engine) transcribe(ctx context.Context, samples []int16, withWords bool) ([]asr.Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	granularities := []string{"segment"}
	if withWords {
		granularities = append(granularities, "word")
	}

	params := openailib.AudioTranscriptionNewParams{
		File:                   openailib.File(bytes.NewReader(encodeWAV(samples)), "audio.wav", "audio/wav"),
		Model:                  openailib.AudioModel(e.model),
		Language:               openailib.String(e.language),
		ResponseFormat:         openailib.AudioResponseFormatVerboseJSON,
		TimestampGranularities: granularities,
	}

	var verbose verboseTranscription
	if _, err := e.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&verbose)); err != nil {
		return nil, fmt.Errorf("openai: transcription request: %w", err)
	}

	out := make([]asr.Segment, 0, len(verbose.Segments))
	for _, s := range verbose.Segments {
		if asr.IsNonSpeech(s.Text) {
			continue
		}
		seg := asr.Segment{
			Text: strings.TrimSpace(s.Text),
			T0Ms: int64(s.Start * 1000),
			T1Ms: int64(s.End * 1000),
		}
		if withWords {
			for _, w := range verbose.Words {
				wStart := int64(w.Start * 1000)
				wEnd := int64(w.End * 1000)
				if wStart >= seg.T0Ms && wEnd <= seg.T1Ms {
					seg.Words = append(seg.Words, asr.Word{
						Word: strings.TrimSpace(w.Word),
						T0Ms: wStart,
						T1Ms: wEnd,
					})
				}
			}
		}
		out = append(out, seg)
	}
	return out, nil
}

// encodeWAV wraps 16 kHz mono int16 PCM in a RIFF/WAV container for upload.
func encodeWAV(samples []int16) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], sampleRate*2)
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return buf
}
