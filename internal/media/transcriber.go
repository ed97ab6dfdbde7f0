package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Transcriber turns a voice note into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName, mimeType string) (string, error)
}

// WhisperTranscriber calls the OpenAI audio transcription endpoint
type WhisperTranscriber struct {
	client openai.Client
	model  string
}

// NewWhisperTranscriber creates a transcriber; baseURL may be empty
func NewWhisperTranscriber(apiKey, baseURL, model string) *WhisperTranscriber {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &WhisperTranscriber{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, fileName, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	if fileName == "" {
		fileName = "voice" + extensionFor(mimeType, ".ogg")
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), fileName, mimeType),
		Model: openai.AudioModel(w.model),
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
