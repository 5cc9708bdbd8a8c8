package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/restoreengine"
	"github.com/stretchr/testify/require"
)

type fakeRestorer struct {
	result *restoreengine.Result
	err    error
	called restoreengine.Options
}

func (f *fakeRestorer) Restore(ctx context.Context, archivePath string, opts restoreengine.Options) (*restoreengine.Result, error) {
	f.called = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newRestoreRouter(h *RestoreHandler) *gin.Engine {
	r := gin.New()
	group := r.Group("/api")
	h.RegisterRoutes(group)
	return r
}

func TestRestore_Success(t *testing.T) {
	restorer := &fakeRestorer{result: &restoreengine.Result{ContainerID: "abc123", ContainerName: "web"}}
	h := NewRestoreHandler(restorer, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newRestoreRouter(h)

	body, _ := json.Marshal(RestoreRequest{Filename: "web_20260101_010000.tar.gz", NewName: "web-2"})
	req := httptest.NewRequest(http.MethodPost, "/api/backups/restore", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "web-2", restorer.called.NewName)

	var resp RestoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "web", resp.ContainerName)
}

func TestRestore_VolumeConflictReturns409(t *testing.T) {
	restorer := &fakeRestorer{err: &restoreengine.VolumeConflictError{Volumes: []string{"webdata"}}}
	h := NewRestoreHandler(restorer, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newRestoreRouter(h)

	body, _ := json.Marshal(RestoreRequest{Filename: "web_20260101_010000.tar.gz"})
	req := httptest.NewRequest(http.MethodPost, "/api/backups/restore", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestRestore_RejectsPathTraversalFilename(t *testing.T) {
	h := NewRestoreHandler(&fakeRestorer{}, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newRestoreRouter(h)

	body, _ := json.Marshal(RestoreRequest{Filename: "../../etc/passwd"})
	req := httptest.NewRequest(http.MethodPost, "/api/backups/restore", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
