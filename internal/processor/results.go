package processor

import (
	"fmt"
	"math"
	"strconv"

	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
	"github.com/seanankenbruck/semantic-bi/internal/warehouse"
)

const (
	MaxRowsDefault = 100 // rows returned in a response by default
)

// ResultProcessor shapes warehouse rows for the response
type ResultProcessor struct {
	maxRows int
}

// NewResultProcessor creates a result processor returning at most maxRows rows
func NewResultProcessor(maxRows int) *ResultProcessor {
	if maxRows <= 0 {
		maxRows = MaxRowsDefault
	}
	return &ResultProcessor{maxRows: maxRows}
}

// Column describes one result column
type Column struct {
	Name      string `json:"name"`
	Canonical string `json:"canonical,omitempty"`
	Metric    bool   `json:"metric"`
}

// ColumnStats summarizes a numeric metric column
type ColumnStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// QueryResults is a query result ready for presentation
type QueryResults struct {
	Summary    string                   `json:"summary"`
	Columns    []Column                 `json:"columns"`
	Rows       []map[string]interface{} `json:"rows"`
	TotalRows  int                      `json:"total_rows"`
	Truncated  bool                     `json:"truncated"`
	Statistics map[string]*ColumnStats  `json:"statistics,omitempty"`
}

// ProcessResults converts a warehouse result of q into a response
func (rp *ResultProcessor) ProcessResults(q *sqlgen.CompiledQuery, res *warehouse.Result) *QueryResults {
	results := &QueryResults{
		Columns:   columns(q, res),
		Rows:      res.Rows,
		TotalRows: res.RowCount,
		Truncated: res.Truncated,
	}
	if results.Rows == nil {
		results.Rows = []map[string]interface{}{}
	}

	if len(results.Rows) > rp.maxRows {
		results.Rows = results.Rows[:rp.maxRows]
		results.Truncated = true
	}

	results.Statistics = rp.computeStatistics(results.Columns, res.Rows)
	results.Summary = rp.generateSummary(results)

	return results
}

// columns orders result columns by the select list; unknown columns keep warehouse order
func columns(q *sqlgen.CompiledQuery, res *warehouse.Result) []Column {
	byAlias := make(map[string]sqlgen.SelectItem, len(q.SelectList))
	for _, item := range q.SelectList {
		byAlias[item.Alias] = item
	}

	out := make([]Column, 0, len(res.Columns))
	for _, name := range res.Columns {
		item, ok := byAlias[name]
		if !ok {
			out = append(out, Column{Name: name})
			continue
		}
		out = append(out, Column{Name: name, Canonical: item.Canonical, Metric: item.Metric})
	}
	return out
}

// computeStatistics calculates min, max, sum and avg over every numeric metric column
func (rp *ResultProcessor) computeStatistics(cols []Column, rows []map[string]interface{}) map[string]*ColumnStats {
	stats := make(map[string]*ColumnStats)
	for _, col := range cols {
		if !col.Metric {
			continue
		}

		var s *ColumnStats
		for _, row := range rows {
			v, ok := toFloat(row[col.Name])
			if !ok {
				continue
			}
			if s == nil {
				s = &ColumnStats{Min: v, Max: v}
			}
			s.Min = math.Min(s.Min, v)
			s.Max = math.Max(s.Max, v)
			s.Sum += v
			s.Count++
		}
		if s != nil {
			s.Avg = s.Sum / float64(s.Count)
			stats[col.Name] = s
		}
	}
	if len(stats) == 0 {
		return nil
	}
	return stats
}

// generateSummary creates a human-readable summary
func (rp *ResultProcessor) generateSummary(results *QueryResults) string {
	switch results.TotalRows {
	case 0:
		return "No data found"
	case 1:
		if len(results.Statistics) == 1 {
			for name, s := range results.Statistics {
				return fmt.Sprintf("%s: %s", name, formatNumber(s.Sum))
			}
		}
		return "1 row"
	}

	summary := fmt.Sprintf("%d rows", results.TotalRows)
	for _, col := range results.Columns {
		s, ok := results.Statistics[col.Name]
		if !ok {
			continue
		}
		summary += fmt.Sprintf("; %s: min=%s, max=%s, sum=%s", col.Name, formatNumber(s.Min), formatNumber(s.Max), formatNumber(s.Sum))
	}
	if results.Truncated {
		summary += fmt.Sprintf(" (showing first %d)", len(results.Rows))
	}
	return summary
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	}
	return 0, false
}
