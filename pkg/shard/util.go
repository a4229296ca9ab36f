package shard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

var (
	tablePattern = regexp.MustCompile(`(?i)(?:insert\s+into|update|delete\s+from)\s+["'` + "`" + `]?([a-zA-Z_][a-zA-Z0-9_]*)`)
	ddlPattern   = regexp.MustCompile(`(?i)(?:create|alter|drop)\s+table\s+(?:if\s+(?:not\s+)?exists\s+)?["'` + "`" + `]?([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// tableFromSQL extracts the affected table name from a mutation or DDL
// statement for event-key construction. Returns "" if no table name can be
// determined (e.g. multi-table statements), in which case no event fires.
func tableFromSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	if m := tablePattern.FindStringSubmatch(sql); m != nil {
		return m[1]
	}
	if m := ddlPattern.FindStringSubmatch(sql); m != nil {
		return m[1]
	}
	return ""
}

// tablePurgeKeys builds one pattern-purge invalidate key per cache key
// family (entity, index, query -- see the cache package's EntityKey/
// IndexKey/QueryKey), since a write to a table can stale any of the three.
// The "*" marker after the tenant prefix is the invalidate consumer's
// pattern-purge convention (see queue.splitInvalidateKey).
func tablePurgeKeys(tenantID, table string) []string {
	return []string{
		fmt.Sprintf("%s:*t:%s:", tenantID, table),
		fmt.Sprintf("%s:*idx:%s:", tenantID, table),
		fmt.Sprintf("%s:*q:%s:", tenantID, table),
	}
}
