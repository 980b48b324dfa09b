package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Hain2000/pairkv"
	"github.com/Hain2000/pairkv/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *string         `json:"error"`
}

func newTestServer(t *testing.T) (*httptest.Server, *pairkv.Pass) {
	t.Helper()
	p, err := pairkv.Open(pairkv.DefaultOptions)
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(p, "", nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = p.Close()
	})
	return ts, p
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestServer_Records(t *testing.T) {
	ts, _ := newTestServer(t)

	code, _ := do(t, ts, http.MethodPut, "/records/site/example", map[string]any{"user": "alice"})
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, ts, http.MethodPut, "/records/plain", "text")
	assert.Equal(t, http.StatusOK, code)

	code, env := do(t, ts, http.MethodGet, "/records/site/example", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, env.Error)
	assert.JSONEq(t, `{"user":"alice"}`, string(env.Data))

	code, env = do(t, ts, http.MethodGet, "/records?prefix=site/", nil)
	assert.Equal(t, http.StatusOK, code)
	var records []Record
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "site/example", records[0].Key)

	code, _ = do(t, ts, http.MethodDelete, "/records/plain", nil)
	assert.Equal(t, http.StatusOK, code)
	code, env = do(t, ts, http.MethodGet, "/records/plain", nil)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)

	// 没有请求体
	code, _ = do(t, ts, http.MethodPut, "/records/bad", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_Writers(t *testing.T) {
	ts, p := newTestServer(t)

	other := utils.Z32.EncodeToString(bytes.Repeat([]byte{5}, 32))
	code, _ := do(t, ts, http.MethodPost, "/writers", WriterRequest{Key: other})
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, p.Members(), 2)

	code, env := do(t, ts, http.MethodGet, "/writers", nil)
	assert.Equal(t, http.StatusOK, code)
	var members []string
	require.NoError(t, json.Unmarshal(env.Data, &members))
	assert.Contains(t, members, other)

	code, _ = do(t, ts, http.MethodPost, "/writers", WriterRequest{Key: "short"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, ts, http.MethodDelete, "/writers/"+other, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, p.Members(), 1)
}

func TestServer_InviteAndStatus(t *testing.T) {
	ts, p := newTestServer(t)

	code, env := do(t, ts, http.MethodPost, "/invites", nil)
	assert.Equal(t, http.StatusOK, code)
	var inv map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &inv))
	assert.NotEmpty(t, inv["invite"])

	code, env = do(t, ts, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Writable)
	assert.Equal(t, utils.Z32.EncodeToString(p.Key()), st.Key)
	assert.Equal(t, 1, st.Entries)
	assert.Len(t, st.Members, 1)

	// 不可写之后
	require.NoError(t, p.RemoveWriter(context.Background(), p.WriterKey()))
	code, env = do(t, ts, http.MethodPut, "/records/x", 1)
	assert.Equal(t, http.StatusForbidden, code)
	require.NotNil(t, env.Error)
}
