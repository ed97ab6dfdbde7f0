// Package media rewrites inbound voice, image and document messages into text the model can read.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/salesagent/internal/channel"
	"github.com/salesagent/pkg/models"
)

// AudioPlaceholder is stored for a voice note until its transcript replaces it
const AudioPlaceholder = "[audio message]"

type Fetcher interface {
	FetchMedia(ctx context.Context, instanceID, messageID string) (*channel.Media, error)
}

// MessageWriter rewrites an already stored message
type MessageWriter interface {
	UpdateMessageContent(ctx context.Context, id, content string, metadata map[string]any) error
}

// Prepared is the text handed to the model for one inbound message
type Prepared struct {
	Text        string
	Transcribed bool
	Location    string
}

type Preprocessor struct {
	fetcher     Fetcher
	transcriber Transcriber
	blobs       BlobStore
	messages    MessageWriter
}

func NewPreprocessor(fetcher Fetcher, transcriber Transcriber, blobs BlobStore, messages MessageWriter) *Preprocessor {
	return &Preprocessor{fetcher: fetcher, transcriber: transcriber, blobs: blobs, messages: messages}
}

// Prepare always returns usable text. The error, when set, lists the best-effort steps that failed.
func (p *Preprocessor) Prepare(ctx context.Context, job models.MessageJob) (Prepared, error) {
	msg := job.Message
	switch msg.Type {
	case models.MessageTypeAudio:
		return p.prepareAudio(ctx, job)
	case models.MessageTypeImage, models.MessageTypeDocument:
		return p.prepareAttachment(ctx, job)
	default:
		return Prepared{Text: msg.Text}, nil
	}
}

func (p *Preprocessor) prepareAudio(ctx context.Context, job models.MessageJob) (Prepared, error) {
	msg := job.Message
	fallback := Prepared{Text: "[the customer sent a voice message that could not be transcribed]"}

	m, err := p.fetcher.FetchMedia(ctx, msg.InstanceID, msg.MessageID)
	if err != nil {
		return fallback, fmt.Errorf("fetch audio: %w", err)
	}

	fileName, mimeType := "", m.MimeType
	if msg.Media != nil {
		fileName = msg.Media.FileName
		if msg.Media.MimeType != "" {
			mimeType = msg.Media.MimeType
		}
	}

	transcript, err := p.transcriber.Transcribe(ctx, m.Data, fileName, mimeType)
	if err != nil {
		return fallback, fmt.Errorf("transcribe audio: %w", err)
	}
	if transcript == "" {
		return fallback, errors.New("transcribe audio: empty transcript")
	}

	out := Prepared{Text: transcript, Transcribed: true}
	if msg.StoredMessageID == "" {
		return out, nil
	}
	meta := map[string]any{"transcribed": true}
	if msg.Media != nil && msg.Media.Seconds > 0 {
		meta["seconds"] = msg.Media.Seconds
	}
	if err := p.messages.UpdateMessageContent(ctx, msg.StoredMessageID, transcript, meta); err != nil {
		return out, fmt.Errorf("rewrite stored audio message: %w", err)
	}
	return out, nil
}

func (p *Preprocessor) prepareAttachment(ctx context.Context, job models.MessageJob) (Prepared, error) {
	msg := job.Message
	out := Prepared{Text: Describe(msg)}

	m, err := p.fetcher.FetchMedia(ctx, msg.InstanceID, msg.MessageID)
	if err != nil {
		return out, fmt.Errorf("fetch attachment: %w", err)
	}

	fileName, mimeType := "", m.MimeType
	if msg.Media != nil {
		fileName = msg.Media.FileName
		if msg.Media.MimeType != "" {
			mimeType = msg.Media.MimeType
		}
	}

	key := BlobKey(job.OrganizationID, job.ConversationID, msg.MessageID, fileName, mimeType)
	location, err := p.blobs.Put(ctx, key, m.Data, mimeType)
	if err != nil {
		return out, fmt.Errorf("persist attachment: %w", err)
	}
	out.Location = location

	if msg.StoredMessageID != "" {
		if err := p.messages.UpdateMessageContent(ctx, msg.StoredMessageID, out.Text, map[string]any{"mediaLocation": location}); err != nil {
			return out, fmt.Errorf("record attachment location: %w", err)
		}
	}
	return out, nil
}

// Describe renders the textual stand-in stored and shown to the model for an inbound message
func Describe(msg models.InboundMessage) string {
	caption := strings.TrimSpace(msg.Text)
	switch msg.Type {
	case models.MessageTypeAudio:
		return AudioPlaceholder
	case models.MessageTypeImage:
		if caption != "" {
			return "The customer sent an image with the caption: " + caption
		}
		return "The customer sent an image."
	case models.MessageTypeDocument:
		name := "unnamed file"
		if msg.Media != nil && msg.Media.FileName != "" {
			name = msg.Media.FileName
		}
		text := "The customer sent a document: " + name
		if caption != "" {
			text += ". Caption: " + caption
		}
		return text
	default:
		return msg.Text
	}
}
