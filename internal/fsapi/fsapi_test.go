package fsapi_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jxl55/ert-concierge/internal/fsapi"
	"github.com/jxl55/ert-concierge/internal/registry"
)

func newHandler(t *testing.T) (*fsapi.Handler, *registry.Registry) {
	t.Helper()
	reg := registry.New(8, nil)
	root := t.TempDir()
	return fsapi.New(root, 1<<20, reg, zap.NewNop(), nil), reg
}

func TestGet_MissingKeyIsUnauthorized(t *testing.T) {
	h, _ := newHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/fs/alice/report.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGet_UnknownFileIsNotFound(t *testing.T) {
	h, reg := newHandler(t)
	client, err := reg.TryRegister("alice", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/fs/alice/missing.txt", nil)
	require.NoError(t, err)
	req.Header.Set("x-fs-key", client.UUID.String())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPut_WrongOwnerIsForbidden(t *testing.T) {
	h, reg := newHandler(t)
	client, err := reg.TryRegister("alice", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/fs/bob/report.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	req.Header.Set("x-fs-key", client.UUID.String())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPutThenGet_RoundTrips(t *testing.T) {
	h, reg := newHandler(t)
	client, err := reg.TryRegister("alice", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	putReq, err := http.NewRequest(http.MethodPut, srv.URL+"/fs/alice/nested/report.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	putReq.Header.Set("x-fs-key", client.UUID.String())

	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)

	getReq, err := http.NewRequest(http.MethodGet, srv.URL+"/fs/alice/nested/report.txt", nil)
	require.NoError(t, err)
	getReq.Header.Set("x-fs-key", client.UUID.String())

	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusAccepted, getResp.StatusCode)

	buf := make([]byte, 32)
	n, _ := getResp.Body.Read(buf)
	assert.Equal(t, "hello world", string(buf[:n]))
}

func TestDelete_WrongOwnerIsForbidden(t *testing.T) {
	h, reg := newHandler(t)
	client, err := reg.TryRegister("alice", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/fs/bob/report.txt", nil)
	require.NoError(t, err)
	req.Header.Set("x-fs-key", client.UUID.String())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
