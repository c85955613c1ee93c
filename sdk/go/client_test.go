package reviewlogsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotPath, gotQuery, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotUser = r.URL.Path, r.URL.RawQuery, r.Header.Get("X-User-Id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TaskStatePage{ObjectType: "list", HasMore: true, Data: []TaskStateItem{{ID: "t1"}}})
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.UserID = "alice"
	due := int64(99)
	page, err := c.ListTaskStates(context.Background(), TaskStateQuery{CreatedAfterID: "t0", Limit: 5, DueBeforeTimestampMillis: &due})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, "t1", page.Data[0].ID)
	assert.Equal(t, "/api/taskStates", gotPath)
	assert.Equal(t, "createdAfterID=t0&dueBeforeTimestampMillis=99&limit=5", gotQuery)
	assert.Equal(t, "alice", gotUser)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"task x: not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetTaskState(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestPatchActionLogsAcceptsNoContent(t *testing.T) {
	var got []ActionLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	err := c.PatchActionLogs(context.Background(), []ActionLog{{ID: "l1", Data: ActionLogData{ActionLogType: "ingest", TaskID: "t", TimestampMillis: 1}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ingest", got[0].Data.ActionLogType)
}
