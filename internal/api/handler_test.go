package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/treedoc/internal/collab"
	"github.com/example/treedoc/internal/crdt"
)

func newTestServer(t *testing.T, health HealthFunc) (*httptest.Server, *collab.Service) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	svc := collab.NewService(crdt.NewEngine("server", logger), logger)
	srv := httptest.NewServer(NewHandler(svc, "main", health, logger).Router())
	t.Cleanup(srv.Close)
	return srv, svc
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func insertChar(t *testing.T, base, value, parent string) string {
	t.Helper()
	resp := post(t, base+"/insert", InsertRequest{Value: value, ParentID: parent})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out InsertResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.ID
}

func TestInsertAndReadDocument(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	base := srv.URL + "/api/crdt/documents/notes"

	h := insertChar(t, base, "h", "")
	assert.Equal(t, "server-1", h)
	insertChar(t, base, "i", h)

	resp, body := get(t, base+"/document")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	_, body = get(t, srv.URL+"/api/crdt/document")
	assert.Empty(t, string(body), "legacy routes use the default document")
}

func TestLegacyRoutesUseDefaultDocument(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	base := srv.URL + "/api/crdt"

	x := insertChar(t, base, "x", "0")
	insertChar(t, base, "y", x)
	assert.Equal(t, "xy", svc.Engine().Document("main"))

	resp := post(t, base+"/delete", DeleteRequest{ID: x})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := get(t, base+"/document")
	assert.Equal(t, "y", string(body))
}

func TestInsertErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	base := srv.URL + "/api/crdt/documents/d"

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"two characters", InsertRequest{Value: "ab"}, http.StatusBadRequest},
		{"empty value", InsertRequest{Value: ""}, http.StatusBadRequest},
		{"malformed parent", InsertRequest{Value: "a", ParentID: "nope"}, http.StatusBadRequest},
		{"unknown parent", InsertRequest{Value: "a", ParentID: "ghost-9"}, http.StatusConflict},
	}
	for _, tc := range cases {
		resp := post(t, base+"/insert", tc.body)
		assert.Equal(t, tc.status, resp.StatusCode, tc.name)
	}

	resp, err := http.Post(base+"/insert", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteVariants(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	base := srv.URL + "/api/crdt/documents/d"

	a := insertChar(t, base, "a", "")
	b := insertChar(t, base, "b", a)
	insertChar(t, base, "c", b)

	resp := post(t, base+"/delete", DeleteRequest{SiteID: "server", Clock: 2})
	var out DeleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Deleted)
	assert.Equal(t, "ac", svc.Engine().Document("d"))

	resp = post(t, base+"/delete", DeleteRequest{SiteID: "server", Clock: 2})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Deleted, "second delete is a no-op")

	resp = post(t, base+"/delete", DeleteRequest{SiteID: "nobody", Clock: 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, base+"/delete", DeleteRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body := get(t, base+"/deleted")
	var deleted []crdt.Node
	require.NoError(t, json.Unmarshal(body, &deleted))
	require.Len(t, deleted, 1)
	assert.Equal(t, b, deleted[0].ID.String())
}

func TestMergeNodesAndPosition(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	base := srv.URL + "/api/crdt/documents/d"

	remote := crdt.NewBuffer("remote")
	c, err := remote.Insert('c', crdt.RootID)
	require.NoError(t, err)
	_, err = remote.Insert('t', c)
	require.NoError(t, err)

	resp := post(t, base+"/merge", MergeRequest{Nodes: remote.AllNodes()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var merged MergeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&merged))
	assert.Equal(t, 2, merged.Inserted)
	assert.Equal(t, "ct", svc.Engine().Document("d"))

	_, body := get(t, base+"/nodes")
	var nodes []crdt.Node
	require.NoError(t, json.Unmarshal(body, &nodes))
	assert.Len(t, nodes, 2)

	_, body = get(t, base+"/position/1")
	var pos PositionResponse
	require.NoError(t, json.Unmarshal(body, &pos))
	assert.Equal(t, "remote-2", pos.ID)

	_, body = get(t, base+"/position/42")
	require.NoError(t, json.Unmarshal(body, &pos))
	assert.Equal(t, "0", pos.ID)

	resp, _ = get(t, base+"/position/first")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMergeCannotExhaustServerClock(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	base := srv.URL + "/api/crdt/documents/d"

	forged := crdt.NewNode("server", math.MaxInt64, 0, crdt.RootID, 'x')
	resp := post(t, base+"/merge", MergeRequest{Nodes: []crdt.Node{forged}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var merged MergeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&merged))
	assert.Equal(t, 1, merged.Rejected)

	first := insertChar(t, base, "a", "")
	assert.Equal(t, "server-1", first)
	insertChar(t, base, "b", first)

	_, body := get(t, base+"/document")
	assert.Equal(t, "ab", string(body))
}

func TestReadsDoNotLoadDocuments(t *testing.T) {
	srv, svc := newTestServer(t, nil)

	for _, path := range []string{"/document", "/nodes", "/deleted", "/position/0"} {
		resp, _ := get(t, srv.URL+"/api/crdt/documents/ghost"+path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	assert.Empty(t, svc.Engine().Documents())
}

func TestEmptyDocumentListsAreArrays(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, body := get(t, srv.URL+"/api/crdt/documents/empty/nodes")
	assert.JSONEq(t, "[]", string(body))
	_, body = get(t, srv.URL+"/api/crdt/documents/empty/deleted")
	assert.JSONEq(t, "[]", string(body))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, _ := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	failing, _ := newTestServer(t, func(context.Context) error { return errors.New("redis down") })
	resp, _ = get(t, failing.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
