package sqlgen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/seanankenbruck/semantic-bi/internal/errors"
)

// Firewall rejects SQL that is not a single read-only statement
type Firewall struct {
	MaxQueryLength    int
	ForbiddenKeywords []string
	ForbiddenTables   []string
}

// NewFirewall creates a firewall with the default rules
func NewFirewall() *Firewall {
	return &Firewall{
		MaxQueryLength: 20000,
		ForbiddenKeywords: []string{
			"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT",
			"DROP", "CREATE", "ALTER", "TRUNCATE", "RENAME",
			"GRANT", "REVOKE", "COPY", "ATTACH", "DETACH", "PRAGMA", "VACUUM",
			"EXEC", "EXECUTE", "CALL", "INTO",
		},
		ForbiddenTables: []string{
			"pg_catalog", "information_schema", "sqlite_master", "pg_shadow",
		},
	}
}

var (
	stringLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)
	quotedIdent   = regexp.MustCompile(`"(?:[^"]|"")*"`)
	leadingVerb   = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
)

// Check returns a SQL_FIREWALL_BLOCKED error when sql is not safe to send to the warehouse
func (f *Firewall) Check(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return errors.NewFirewallError("empty statement")
	}
	if f.MaxQueryLength > 0 && len(sql) > f.MaxQueryLength {
		return errors.NewFirewallError(fmt.Sprintf("statement exceeds %d characters", f.MaxQueryLength))
	}
	if !leadingVerb.MatchString(sql) {
		return errors.NewFirewallError("only SELECT statements may run")
	}

	// literals may legitimately contain anything
	stripped := quotedIdent.ReplaceAllString(stringLiteral.ReplaceAllString(sql, "''"), `""`)

	if strings.Contains(stripped, ";") {
		return errors.NewFirewallError("stacked statements are not allowed")
	}
	if strings.Contains(stripped, "--") || strings.Contains(stripped, "/*") {
		return errors.NewFirewallError("comments are not allowed")
	}

	upper := strings.ToUpper(stripped)
	for _, kw := range f.ForbiddenKeywords {
		if containsWord(upper, kw) {
			return errors.NewFirewallError(fmt.Sprintf("keyword %s is not allowed", kw))
		}
	}
	lower := strings.ToLower(stripped)
	for _, tbl := range f.ForbiddenTables {
		if strings.Contains(lower, tbl) {
			return errors.NewFirewallError(fmt.Sprintf("system table %s is not allowed", tbl))
		}
	}

	return nil
}

// containsWord reports whether word occurs in s delimited by non-identifier characters
func containsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(word)
		if (start == 0 || !isIdent(s[start-1])) && (end == len(s) || !isIdent(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isIdent(c byte) bool {
	return c == '_' || c == '.' || c == '$' || ('0' <= c && c <= '9') || ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z')
}
