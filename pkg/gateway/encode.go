package gateway

import (
	"encoding/json"

	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// encodeRows serializes a query response's rows for cache storage. Only
// Rows is cached; rows_affected/insert_id are write-path concerns that
// never flow through the cache.
func encodeRows(resp *types.QueryResponse) ([]byte, error) {
	return json.Marshal(resp.Rows)
}

func decodeRows(data []byte) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
