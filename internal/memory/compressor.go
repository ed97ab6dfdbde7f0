// Package memory keeps conversation history bounded by folding old turns into a running summary.
package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/salesagent/internal/prompts"
	"github.com/salesagent/pkg/models"
)

// ErrEmptySummary aborts a compression; messages are never archived without a summary
var ErrEmptySummary = errors.New("summarizer returned an empty summary")

// MessageArchive is the store surface the compressor needs
type MessageArchive interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CountActiveMessages(ctx context.Context, conversationID string) (int, error)
	ListActiveMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ArchiveWithSummary(ctx context.Context, conversationID, summary string, messageIDs []string) error
}

type Summarizer interface {
	Summarize(ctx context.Context, previousSummary, transcript string) (string, error)
}

// Result describes what a compression run did
type Result struct {
	Compressed bool
	Archived   int
	Active     int
}

type Compressor struct {
	archive    MessageArchive
	summarizer Summarizer
	threshold  int
	keepRecent int
}

func NewCompressor(archive MessageArchive, summarizer Summarizer, threshold, keepRecent int) *Compressor {
	return &Compressor{archive: archive, summarizer: summarizer, threshold: threshold, keepRecent: keepRecent}
}

// Compress summarizes and archives all but the newest keepRecent active messages
// once the active count reaches the threshold.
func (c *Compressor) Compress(ctx context.Context, conversationID string) (Result, error) {
	count, err := c.archive.CountActiveMessages(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("count active messages: %w", err)
	}
	if count < c.threshold {
		return Result{Active: count}, nil
	}

	active, err := c.archive.ListActiveMessages(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("list active messages: %w", err)
	}
	cut := len(active) - c.keepRecent
	if cut <= 0 {
		return Result{Active: len(active)}, nil
	}
	toArchive := active[:cut]

	conv, err := c.archive.GetConversation(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("load conversation: %w", err)
	}
	previous := ""
	if conv.Summary != nil {
		previous = *conv.Summary
	}

	// held-back replies are archived with the rest but never summarized as said
	spoken := make([]models.Message, 0, len(toArchive))
	for _, m := range toArchive {
		if !prompts.Undelivered(m) {
			spoken = append(spoken, m)
		}
	}

	summary := previous
	if len(spoken) > 0 {
		summary, err = c.summarizer.Summarize(ctx, previous, prompts.BuildTranscript(spoken))
		if err != nil {
			return Result{}, fmt.Errorf("summarize: %w", err)
		}
	}
	if summary == "" {
		return Result{}, ErrEmptySummary
	}

	ids := make([]string, len(toArchive))
	for i, m := range toArchive {
		ids[i] = m.ID
	}
	if err := c.archive.ArchiveWithSummary(ctx, conversationID, summary, ids); err != nil {
		return Result{}, fmt.Errorf("archive messages: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Int("archived", len(ids)).
		Int("active", len(active)-len(ids)).
		Int("summary_chars", len(summary)).
		Msg("conversation memory compressed")

	return Result{Compressed: true, Archived: len(ids), Active: len(active) - len(ids)}, nil
}
