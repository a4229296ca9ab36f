package gateway

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

var hintPattern = regexp.MustCompile(`(?i)/\*\+\s*(strong|weak|bounded\s*=\s*(\d+))\s*\*/`)

// stripHints extracts the §6 hints-grammar comment from sql, if present,
// and returns the SQL with the comment and surrounding whitespace removed.
// A caller-supplied explicit hint (req.Hints) always takes precedence over
// one parsed from the comment; the hint returned here only fills in what
// the caller left unset.
func stripHints(sql string) (string, types.ConsistencyHint) {
	var hint types.ConsistencyHint
	m := hintPattern.FindStringSubmatch(sql)
	if m == nil {
		return sql, hint
	}
	switch {
	case strings.EqualFold(m[1], "strong"):
		hint.Consistency = types.CacheModeStrong
	case strings.EqualFold(m[1], "weak"):
		hint.Consistency = types.CacheModeCached
	default:
		hint.Consistency = types.CacheModeBounded
		if ms, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			hint.BoundedMs = ms
		}
	}
	return strings.TrimSpace(hintPattern.ReplaceAllString(sql, "")), hint
}

var (
	selectTablePattern = regexp.MustCompile(`(?i)from\s+["'` + "`" + `]?([a-zA-Z_][a-zA-Z0-9_]*)`)
	writeTablePattern  = regexp.MustCompile(`(?i)(?:insert\s+into|update|delete\s+from)\s+["'` + "`" + `]?([a-zA-Z_][a-zA-Z0-9_]*)`)
	ddlTablePattern    = regexp.MustCompile(`(?i)(?:create|alter|drop)\s+table\s+(?:if\s+(?:not\s+)?exists\s+)?["'` + "`" + `]?([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// tableNameFromSQL extracts the primary table a statement touches, for
// table-policy lookup and cache-key construction. Returns "" when no table
// name can be determined.
func tableNameFromSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	if m := writeTablePattern.FindStringSubmatch(sql); m != nil {
		return m[1]
	}
	if m := ddlTablePattern.FindStringSubmatch(sql); m != nil {
		return m[1]
	}
	if m := selectTablePattern.FindStringSubmatch(sql); m != nil {
		return m[1]
	}
	return ""
}

func isWriteStatement(sql string) bool {
	sql = strings.TrimSpace(strings.ToUpper(sql))
	for _, verb := range []string{"INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(sql, verb) {
			return true
		}
	}
	return false
}

func isDDLStatement(sql string) bool {
	sql = strings.TrimSpace(strings.ToUpper(sql))
	for _, verb := range []string{"CREATE", "ALTER", "DROP"} {
		if strings.HasPrefix(sql, verb) {
			return true
		}
	}
	return false
}

// transactionOp returns BEGIN/COMMIT/ROLLBACK if sql is a bare transaction
// control statement, else "".
func transactionOp(sql string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(strings.ToUpper(sql)), ";")
	switch trimmed {
	case "BEGIN", "START TRANSACTION", "COMMIT", "ROLLBACK":
		if trimmed == "START TRANSACTION" {
			return "BEGIN"
		}
		return trimmed
	default:
		return ""
	}
}
