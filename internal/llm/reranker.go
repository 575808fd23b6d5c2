package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// SystemPrompt frames every rerank completion
const SystemPrompt = "You map analytics questions onto a fixed semantic-layer vocabulary. " +
	"Reply with a single JSON object and no other text. Never invent names."

var codeBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Reranker asks a completion model to choose metrics, dimensions and datasets from the
// candidate vocabulary. Its output is advisory; callers must still whitelist it.
type Reranker struct {
	client Client
}

// NewReranker creates a reranker over client
func NewReranker(client Client) *Reranker {
	return &Reranker{client: client}
}

// Rerank returns the model's proposal for text restricted to vocabulary
func (r *Reranker) Rerank(ctx context.Context, text string, keywords []string, vocabulary []*semantic.Document) (*plan.Proposal, error) {
	if len(vocabulary) == 0 {
		return nil, fmt.Errorf("empty rerank vocabulary")
	}

	completion, err := r.client.Complete(ctx, buildPrompt(text, keywords, vocabulary))
	if err != nil {
		return nil, err
	}

	return parseProposal(completion.Text)
}

func buildPrompt(text string, keywords []string, vocabulary []*semantic.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", text)
	if len(keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(keywords, ", "))
	}

	datasets := make(map[string]bool)
	b.WriteString("\nAllowed fields:\n")
	for _, doc := range vocabulary {
		fmt.Fprintf(&b, "- %s (%s)", doc.CanonicalName(), doc.ObjectType)
		if len(doc.Aliases) > 0 {
			fmt.Fprintf(&b, " aliases: %s", strings.Join(doc.Aliases, ", "))
		}
		if doc.Description != "" {
			fmt.Fprintf(&b, " - %s", doc.Description)
		}
		b.WriteString("\n")
		datasets[doc.Dataset] = true
	}

	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(&b, "\nAllowed datasets: %s\n", strings.Join(names, ", "))

	b.WriteString(`
Return JSON with exactly these keys:
{"target_metrics": [...], "target_dimensions": [...], "candidate_datasets": [...], "confidence": 0.0, "need_clarification": false}
Use only the names listed above. Set need_clarification to true when the question cannot be answered unambiguously.`)
	return b.String()
}

// parseProposal extracts the JSON object from a completion. Code fences and surrounding
// prose are tolerated; anything else is malformed.
func parseProposal(text string) (*plan.Proposal, error) {
	body := strings.TrimSpace(text)
	if m := codeBlockRegex.FindStringSubmatch(body); len(m) > 1 {
		body = m[1]
	}

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("malformed rerank output: no JSON object")
	}

	var proposal plan.Proposal
	if err := json.Unmarshal([]byte(body[start:end+1]), &proposal); err != nil {
		return nil, fmt.Errorf("malformed rerank output: %w", err)
	}
	if proposal.Confidence < 0 || proposal.Confidence > 1 {
		return nil, fmt.Errorf("malformed rerank output: confidence %v outside [0, 1]", proposal.Confidence)
	}
	return &proposal, nil
}
