package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

type searchKnowledge struct {
	knowledge     Searcher
	ec            ExecContext
	topK          int
	minSimilarity float64
}

type searchKnowledgeArgs struct {
	Query string `json:"query"`
}

func (c *searchKnowledge) Name() string { return NameSearchKnowledge }

func (c *searchKnowledge) Tool() llms.Tool {
	return functionTool(NameSearchKnowledge,
		"Search the company knowledge base for product, pricing or policy information.",
		map[string]any{
			"query": stringProp("What to look up, phrased as a question or keywords."),
		},
		[]string{"query"})
}

func (c *searchKnowledge) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args searchKnowledgeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail("Invalid arguments for search_knowledge: %v", err)
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return fail("A search query is required.")
	}

	matches, err := c.knowledge.Search(ctx, c.ec.AgentID, query, c.topK, c.minSimilarity)
	if err != nil {
		return fail("The knowledge base could not be searched: %v", err)
	}
	if len(matches) == 0 {
		return Result{Success: true, Message: "No relevant information was found.", Data: map[string]any{"results": matches}}
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Found %d relevant excerpts.", len(matches)),
		Data:    map[string]any{"results": matches},
	}
}
