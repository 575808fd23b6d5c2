package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// MatchOptions holds the terms to match.
type MatchOptions struct {
	Metrics    []string
	Dimensions []string
	Filters    []string
}

// MatchedTerm lists the candidates of one term.
type MatchedTerm struct {
	Slot       semantic.Slot      `json:"slot"`
	Term       string             `json:"term"`
	Candidates []MatchedCandidate `json:"candidates"`
}

// MatchedCandidate is one candidate in CLI output.
type MatchedCandidate struct {
	Canonical string              `json:"canonical"`
	Type      semantic.ObjectType `json:"type"`
	Kind      semantic.MatchKind  `json:"kind"`
	Score     float64             `json:"score"`
	Ambiguous bool                `json:"ambiguous,omitempty"`
	Allowed   bool                `json:"allowed"`
	Sensitive bool                `json:"sensitive,omitempty"`
}

// NewMatchCommand creates the match command.
func NewMatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MatchOptions{}

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Show the deterministic candidates for feature terms",
		Long: `Run the token matcher against the semantic layer and print every candidate
per term with its match kind and score. Blocked and sensitive matches are shown
too, since governance rejects them later rather than the matcher.`,
		Example:       `  semctl match --metric "deposit balance" --dimension region`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Metrics, "metric", "m", nil, "metric term (repeatable)")
	cmd.Flags().StringSliceVarP(&opts.Dimensions, "dimension", "d", nil, "dimension term (repeatable)")
	cmd.Flags().StringSliceVarP(&opts.Filters, "filter", "f", nil, "filter field term (repeatable)")

	return cmd
}

func (o *MatchOptions) terms() []semantic.Term {
	var terms []semantic.Term
	for _, m := range o.Metrics {
		terms = append(terms, semantic.Term{Slot: semantic.SlotMetric, Text: m})
	}
	for _, d := range o.Dimensions {
		terms = append(terms, semantic.Term{Slot: semantic.SlotDimension, Text: d})
	}
	for _, f := range o.Filters {
		terms = append(terms, semantic.Term{Slot: semantic.SlotFilter, Text: f})
	}
	return terms
}

func runMatch(rootOpts *RootOptions, opts *MatchOptions, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)

	terms := opts.terms()
	if len(terms) == 0 {
		return out.Fail(ExitCommandError, "give at least one --metric, --dimension or --filter term", nil, nil)
	}

	idx, err := loadLayer(out, rootOpts.LayerPath)
	if err != nil {
		return err
	}

	candidates := semantic.NewMatcher().Match(idx, terms)
	matched := make([]MatchedTerm, 0, len(terms))
	for _, term := range terms {
		mt := MatchedTerm{Slot: term.Slot, Term: term.Text, Candidates: []MatchedCandidate{}}
		for _, c := range candidates.ForTerm(term.Slot, term.Text) {
			mt.Candidates = append(mt.Candidates, MatchedCandidate{
				Canonical: c.Document.CanonicalName(),
				Type:      c.Document.ObjectType,
				Kind:      c.Kind,
				Score:     c.Score,
				Ambiguous: c.Ambiguous,
				Allowed:   c.Document.Allowed,
				Sensitive: c.Document.Sensitive,
			})
		}
		matched = append(matched, mt)
	}

	return out.Success(matched, func(w io.Writer) {
		for _, mt := range matched {
			fmt.Fprintf(w, "%s %q\n", mt.Slot, mt.Term)
			if len(mt.Candidates) == 0 {
				fmt.Fprintln(w, "  (no match)")
				continue
			}
			for _, c := range mt.Candidates {
				fmt.Fprintf(w, "  %-45s %-9s %.2f%s\n", c.Canonical, c.Kind, c.Score, flags(c))
			}
		}
	})
}

func flags(c MatchedCandidate) string {
	var s string
	if c.Ambiguous {
		s += " ambiguous"
	}
	if !c.Allowed {
		s += " blocked"
	}
	if c.Sensitive {
		s += " sensitive"
	}
	return s
}
