// Package semantictest provides a shared semantic layer for tests
package semantictest

import (
	"testing"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// LayerYAML is a small banking layer. deposit_balance_daily joins the branch and customer
// entities and the loan dataset; web_traffic and campaign form a separate component.
// customer.id_number is sensitive and blocked.
const LayerYAML = `
semantic_layer:
  entities:
    branch:
      table: dim_branch
      synonyms: [branch office]
      fields:
        - name: region
          expr: dim_branch.region
          synonyms: [area]
        - name: branch_name
          expr: dim_branch.name
        - name: status
          expr: dim_branch.status
    customer:
      table: dim_customer
      fields:
        - name: segment
          expr: dim_customer.segment
          synonyms: [customer segment]
        - name: status
          expr: dim_customer.status
      sensitive_fields:
        - name: id_number
          expr: dim_customer.id_number
          synonyms: [national id]
    calendar:
      table: dim_calendar
      fields:
        - name: fiscal_quarter
          expr: dim_calendar.fiscal_quarter
    campaign:
      table: dim_campaign
      fields:
        - name: campaign_name
          expr: dim_campaign.name
  datasets:
    deposit_balance_daily:
      from: fact_deposit_balance_daily
      synonyms: [deposits]
      metrics:
        - name: deposit_balance
          type: sum
          expr: fact_deposit_balance_daily.balance
          synonyms: [deposit amount, balance]
        - name: account_count
          type: count_distinct
          expr: fact_deposit_balance_daily.account_id
          synonyms: [accounts]
      time_dimensions:
        - name: biz_date
          expr: fact_deposit_balance_daily.biz_date
          synonyms: [date, business date]
      dimensions:
        - name: currency
          expr: fact_deposit_balance_daily.currency
      joins:
        - entity: branch
          on: fact_deposit_balance_daily.branch_id = dim_branch.id
        - entity: customer
          on: fact_deposit_balance_daily.customer_id = dim_customer.id
        - dataset: loan_balance_daily
          on: fact_deposit_balance_daily.customer_id = fact_loan_balance_daily.customer_id
    loan_balance_daily:
      from: fact_loan_balance_daily
      metrics:
        - name: loan_balance
          type: sum
          expr: fact_loan_balance_daily.balance
          synonyms: [loans outstanding]
      time_dimensions:
        - name: biz_date
          expr: fact_loan_balance_daily.biz_date
      joins:
        - entity: calendar
          on: fact_loan_balance_daily.biz_date = dim_calendar.day
    web_traffic:
      from: fact_web_traffic
      metrics:
        - name: page_views
          type: sum
          expr: fact_web_traffic.views
      dimensions:
        - name: channel
          expr: fact_web_traffic.channel
      joins:
        - entity: campaign
          on: fact_web_traffic.campaign_id = dim_campaign.id
  governance:
    default_query_limits:
      require_time_filter: true
      max_rows: 1000
      default_window_days: 30
`

// Index builds the fixture layer and fails the test on error
func Index(t testing.TB) *semantic.Index {
	t.Helper()
	def, err := semantic.ParseLayer([]byte(LayerYAML))
	if err != nil {
		t.Fatalf("parse fixture layer: %v", err)
	}
	idx, err := semantic.Build(def)
	if err != nil {
		t.Fatalf("build fixture layer: %v", err)
	}
	return idx
}

// MustLookup returns a document by canonical name and fails the test when it is missing
func MustLookup(t testing.TB, idx *semantic.Index, canonical string) *semantic.Document {
	t.Helper()
	doc, ok := idx.Lookup(canonical)
	if !ok {
		t.Fatalf("fixture has no document %s", canonical)
	}
	return doc
}
