package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// Reranker proposes a selection for text using only the given vocabulary
type Reranker interface {
	Rerank(ctx context.Context, text string, keywords []string, vocabulary []*semantic.Document) (*plan.Proposal, error)
}

// Config holds augmenter settings
type Config struct {
	Enabled        bool
	TopK           int
	RecallTimeout  time.Duration
	RerankTimeout  time.Duration
	DegradedFactor float64
}

// DefaultConfig returns the augmenter defaults
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		TopK:           20,
		RecallTimeout:  2 * time.Second,
		RerankTimeout:  10 * time.Second,
		DegradedFactor: 0.5,
	}
}

// Result is the outcome of augmentation
type Result struct {
	Candidates semantic.CandidateSet
	Proposal   *plan.Proposal
	Discarded  []plan.DiscardedItem
	Warnings   []string
	Degraded   bool
}

// Augmenter runs recall then rerank. Either stage may be nil and is then skipped.
type Augmenter struct {
	recaller Recaller
	reranker Reranker
	config   Config
	logger   *observability.Logger
}

// NewAugmenter creates an augmenter
func NewAugmenter(recaller Recaller, reranker Reranker, config Config, logger *observability.Logger) *Augmenter {
	defaults := DefaultConfig()
	if config.TopK <= 0 {
		config.TopK = defaults.TopK
	}
	if config.RecallTimeout <= 0 {
		config.RecallTimeout = defaults.RecallTimeout
	}
	if config.RerankTimeout <= 0 {
		config.RerankTimeout = defaults.RerankTimeout
	}
	if config.DegradedFactor <= 0 || config.DegradedFactor > 1 {
		config.DegradedFactor = defaults.DegradedFactor
	}
	if logger == nil {
		logger = observability.NewLogger("retrieval")
	}
	return &Augmenter{recaller: recaller, reranker: reranker, config: config, logger: logger}
}

// Augment enriches candidates and asks for a proposal. It never fails: errors, timeouts and
// open breakers leave the matcher's candidates in place and mark the result degraded.
func (a *Augmenter) Augment(ctx context.Context, idx *semantic.Index, record plan.QueryFeatureRecord, candidates semantic.CandidateSet) *Result {
	res := &Result{Candidates: candidates}
	if !a.config.Enabled {
		return res
	}

	text := record.RawText
	keywords := record.Keywords()
	if strings.TrimSpace(text) == "" {
		text = strings.Join(keywords, " ")
	}

	if a.recaller != nil && text != "" {
		a.recall(ctx, idx, text, res)
	}
	if a.reranker != nil {
		a.rerank(ctx, idx, text, keywords, res)
	}
	return res
}

func (a *Augmenter) recall(ctx context.Context, idx *semantic.Index, text string, res *Result) {
	rctx, cancel := context.WithTimeout(ctx, a.config.RecallTimeout)
	defer cancel()

	hits, err := a.recaller.Recall(rctx, idx, text, a.config.TopK)
	if err != nil {
		a.degrade(ctx, res, "recall", err)
		return
	}

	var (
		docs   []*semantic.Document
		scores []float64
	)
	for _, hit := range hits {
		doc, ok := idx.Document(hit.ID)
		switch {
		case !ok:
			res.Discarded = append(res.Discarded, plan.DiscardedItem{Kind: "recall", Value: hit.ID, Reason: plan.ReasonUnresolvedField})
		case !doc.Allowed:
			res.Discarded = append(res.Discarded, plan.DiscardedItem{Kind: "recall", Value: hit.ID, Reason: plan.ReasonRestrictedField})
		case !doc.Selectable():
			res.Discarded = append(res.Discarded, plan.DiscardedItem{Kind: "recall", Value: hit.ID, Reason: plan.ReasonWrongObjectType})
		default:
			docs = append(docs, doc)
			scores = append(scores, hit.Similarity)
		}
	}
	before := len(res.Candidates)
	res.Candidates = res.Candidates.WithRecalled(docs, scores)

	a.logger.Debug(ctx, "Recall finished", map[string]interface{}{
		"hits":       len(hits),
		"added":      len(res.Candidates) - before,
		"candidates": len(res.Candidates),
	})
}

func (a *Augmenter) rerank(ctx context.Context, idx *semantic.Index, text string, keywords []string, res *Result) {
	vocabulary := make([]*semantic.Document, 0, len(res.Candidates))
	for _, doc := range res.Candidates.Documents() {
		if doc.Allowed {
			vocabulary = append(vocabulary, doc)
		}
	}
	if len(vocabulary) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, a.config.RerankTimeout)
	defer cancel()

	proposal, err := a.reranker.Rerank(rctx, text, keywords, vocabulary)
	if err != nil {
		a.degrade(ctx, res, "rerank", err)
		return
	}
	if proposal == nil {
		a.degrade(ctx, res, "rerank", fmt.Errorf("reranker returned no proposal"))
		return
	}

	res.Proposal = a.whitelist(idx, proposal, vocabulary, res)
}

// whitelist keeps only proposal references present in the vocabulary with a fitting type.
// Datasets must exist and own or join a vocabulary document's scope.
func (a *Augmenter) whitelist(idx *semantic.Index, proposal *plan.Proposal, vocabulary []*semantic.Document, res *Result) *plan.Proposal {
	byName := make(map[string]*semantic.Document, len(vocabulary))
	scopes := make(map[string]bool)
	for _, doc := range vocabulary {
		byName[doc.CanonicalName()] = doc
		scopes[doc.Dataset] = true
	}

	out := &plan.Proposal{
		Confidence:        proposal.Confidence,
		NeedClarification: proposal.NeedClarification,
	}
	keep := func(kind, name string, accept func(*semantic.Document) bool) bool {
		doc, ok := byName[name]
		if !ok {
			res.Discarded = append(res.Discarded, plan.DiscardedItem{Kind: kind, Value: name, Reason: plan.ReasonNotInCandidateSet})
			return false
		}
		if !accept(doc) {
			res.Discarded = append(res.Discarded, plan.DiscardedItem{Kind: kind, Value: name, Reason: plan.ReasonWrongObjectType})
			return false
		}
		return true
	}

	for _, name := range proposal.TargetMetrics {
		if keep("metric", name, func(d *semantic.Document) bool { return d.ObjectType == semantic.ObjectMetric }) {
			out.TargetMetrics = append(out.TargetMetrics, name)
		}
	}
	for _, name := range proposal.TargetDimensions {
		if keep("dimension", name, func(d *semantic.Document) bool {
			return d.ObjectType == semantic.ObjectDimension || d.ObjectType == semantic.ObjectField
		}) {
			out.TargetDimensions = append(out.TargetDimensions, name)
		}
	}
	for _, name := range proposal.CandidateDatasets {
		if !idx.IsDataset(name) {
			res.Discarded = append(res.Discarded, plan.DiscardedItem{Kind: "dataset", Value: name, Reason: plan.ReasonUnknownDataset})
			continue
		}
		if !reachesAny(idx, name, scopes) {
			res.Discarded = append(res.Discarded, plan.DiscardedItem{Kind: "dataset", Value: name, Reason: plan.ReasonNotInCandidateSet})
			continue
		}
		out.CandidateDatasets = append(out.CandidateDatasets, name)
	}
	return out
}

func reachesAny(idx *semantic.Index, dataset string, scopes map[string]bool) bool {
	if scopes[dataset] {
		return true
	}
	for scope := range scopes {
		if idx.Reachable(dataset, scope) {
			return true
		}
	}
	return false
}

func (a *Augmenter) degrade(ctx context.Context, res *Result, stage string, err error) {
	res.Degraded = true
	res.Warnings = append(res.Warnings, fmt.Sprintf("retrieval %s unavailable: %v", stage, err))
	observability.RecordRetrievalDegraded(stage)
	a.logger.Warn(ctx, "Retrieval degraded", map[string]interface{}{
		"stage": stage,
		"error": err.Error(),
	})
}

// Apply records the augmentation outcome on a merged plan. Degradation lowers the plan's
// confidence by the configured factor.
func (a *Augmenter) Apply(p *plan.CandidatePlan, res *Result) {
	for _, d := range res.Discarded {
		p.Discard(d.Kind, d.Value, d.Reason)
	}
	if res.Degraded {
		p.Degrade(a.config.DegradedFactor, res.Warnings...)
	}
}
