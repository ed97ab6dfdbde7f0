package prompts

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goodsign/monday"

	"github.com/salesagent/pkg/models"
)

// BuildTimeSection renders now in the organization's timezone and locale
func BuildTimeSection(now time.Time, timezone, locale string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	if locale == "" {
		locale = string(monday.LocaleEnUS)
	}
	local := now.In(loc)
	formatted := monday.Format(local, "Monday, 02 January 2006 15:04", monday.Locale(locale))
	return fmt.Sprintf("%s:\n%s (%s)", TimeHeading, formatted, loc.String())
}

// BuildContactSection lists the known customer facts; name is always present
func BuildContactSection(c *models.Contact) string {
	var b strings.Builder
	b.WriteString(ContactHeading + ":\n")
	b.WriteString("- Name: " + c.Name)
	if c.Phone != nil && *c.Phone != "" {
		b.WriteString("\n- Phone: " + *c.Phone)
	}
	if c.Email != nil && *c.Email != "" {
		b.WriteString("\n- Email: " + *c.Email)
	}
	if c.Role != nil && *c.Role != "" {
		b.WriteString("\n- Role: " + *c.Role)
	}
	return b.String()
}

// BuildProcessSection renders the agent's steps with the current one marked.
// Returns "" when the agent has no steps.
func BuildProcessSection(steps []models.Step, current int) string {
	if len(steps) == 0 {
		return ""
	}
	ordered := append([]models.Step(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	var b strings.Builder
	b.WriteString(ProcessHeading + ":\n")
	for _, s := range ordered {
		b.WriteString(fmt.Sprintf("%d: %s — %s", s.Order, s.Name, s.Objective))
		if s.Order == current {
			b.WriteString(CurrentStepMarker)
		}
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("current step = %d", current))
	return b.String()
}

// BuildDealSection shows the linked deal and the stages it may move to
func BuildDealSection(deal *models.Deal, stages []models.Stage) string {
	var b strings.Builder
	b.WriteString(DealHeading + ":\n")
	b.WriteString(fmt.Sprintf("- %s (id: %s, status: %s)", deal.Title, deal.ID, deal.Status))
	if len(stages) == 0 {
		return b.String()
	}
	b.WriteString("\nStages of this pipeline:")
	for _, st := range stages {
		b.WriteString(fmt.Sprintf("\n- %s: %s", st.ID, st.Name))
		if st.ID == deal.StageID {
			b.WriteString(" (current)")
		}
	}
	return b.String()
}

// BuildKnowledgeSection formats retrieved excerpts; "" when there are none
func BuildKnowledgeSection(matches []models.KnowledgeMatch) string {
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, fmt.Sprintf("[%s] (similarity: %.2f)\n%s", m.FileName, m.Similarity, m.Content))
	}
	return KnowledgeHeading + ":\n" + strings.Join(parts, KnowledgeSeparator)
}

// BuildActionsSection names the enabled capabilities; "" when none are enabled
func BuildActionsSection(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %s\n%s", ActionsHeading, strings.Join(names, ", "), ActionGuidelines)
}

// BuildTranscript renders messages as "[role]: content" lines
func BuildTranscript(messages []models.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("[%s]: %s", m.Role, m.Content))
	}
	return b.String()
}

// EstimateTokens approximates the token count of text as characters/4
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// Undelivered reports whether a stored reply was held back and never reached the customer
func Undelivered(m models.Message) bool {
	_, skipped := m.Metadata["skippedReason"]
	return skipped
}

// joinSections drops empty sections and separates the rest with a blank line
func joinSections(sections ...string) string {
	kept := make([]string, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, strings.TrimSpace(s))
		}
	}
	return strings.Join(kept, "\n\n")
}
