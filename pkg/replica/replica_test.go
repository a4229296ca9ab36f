package replica

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySucceedsWhenAllOperationsSucceed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := syncResponse{Results: make([]operationResult, len(req.Operations))}
		for i := range resp.Results {
			resp.Results[i] = operationResult{Success: true}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.Apply(&types.D1SyncPayload{
		Operations: []types.D1SyncOperation{{SQL: "UPDATE users SET name=?", Params: []interface{}{"Grace"}}},
	})
	assert.NoError(t, err)
}

func TestApplyFailsWhenAnyOperationFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := syncResponse{Results: []operationResult{{Success: false, Error: "constraint violation"}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.Apply(&types.D1SyncPayload{
		Operations: []types.D1SyncOperation{{SQL: "INSERT INTO orders VALUES (?)", Params: []interface{}{1}}},
	})
	assert.Error(t, err)
}
