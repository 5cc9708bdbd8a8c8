package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/scheduler"
	"github.com/stevedore-io/stevedore/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSupervisor struct {
	startErr    error
	startID     string
	progress    map[string]supervisor.Progress
	statusSnap  supervisor.StatusSnapshot
}

func (f *fakeSupervisor) Start(containerID string, queueIfBusy, isScheduled bool) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startID, nil
}

func (f *fakeSupervisor) Progress(id string) (supervisor.Progress, bool) {
	p, ok := f.progress[id]
	return p, ok
}

func (f *fakeSupervisor) Status() supervisor.StatusSnapshot { return f.statusSnap }

type fakeScheduler struct {
	current scheduler.Schedule
}

func (f *fakeScheduler) Current() scheduler.Schedule { return f.current }
func (f *fakeScheduler) Update(s scheduler.Schedule) error {
	f.current = s
	return nil
}

type fakeAudit struct {
	entries []string
}

func (f *fakeAudit) AppendAudit(action, containerID, containerName, detail string) error {
	f.entries = append(f.entries, action)
	return nil
}

func newTestRouter(h *BackupHandler) *gin.Engine {
	r := gin.New()
	group := r.Group("/api")
	h.RegisterRoutes(group)
	return r
}

func TestSubmit_ReturnsProgressID(t *testing.T) {
	sup := &fakeSupervisor{
		startID:  "p1",
		progress: map[string]supervisor.Progress{"p1": {ID: "p1", Status: supervisor.StatusStarting}},
	}
	h := NewBackupHandler(sup, &fakeScheduler{}, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(SubmitRequest{ContainerID: "c1", QueueIfBusy: true})
	req := httptest.NewRequest(http.MethodPost, "/api/backups/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "p1", resp.ProgressID)
}

func TestSubmit_BusyReturns409(t *testing.T) {
	sup := &fakeSupervisor{startErr: supervisor.ErrBusy}
	h := NewBackupHandler(sup, &fakeScheduler{}, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(SubmitRequest{ContainerID: "c1"})
	req := httptest.NewRequest(http.MethodPost, "/api/backups/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmit_BusyReturns409WithCurrentOperation(t *testing.T) {
	sup := &fakeSupervisor{startErr: &supervisor.BusyError{
		Current: supervisor.Progress{ID: "p0", ContainerID: "web", Status: supervisor.StatusRunning},
	}}
	h := NewBackupHandler(sup, &fakeScheduler{}, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(SubmitRequest{ContainerID: "c1"})
	req := httptest.NewRequest(http.MethodPost, "/api/backups/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	current, ok := resp["current"].(map[string]any)
	require.True(t, ok, "expected a current-operation descriptor in the busy response")
	require.Equal(t, "web", current["ContainerID"])
}

func TestProgress_UnknownIDReturns404(t *testing.T) {
	sup := &fakeSupervisor{progress: map[string]supervisor.Progress{}}
	h := NewBackupHandler(sup, &fakeScheduler{}, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/backups/progress/unknown", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatus_ReportsIdleWhenSlotFree(t *testing.T) {
	sup := &fakeSupervisor{statusSnap: supervisor.StatusSnapshot{SlotHeld: false}}
	h := NewBackupHandler(sup, &fakeScheduler{}, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/backups/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "idle", body["state"])
}

func TestDeleteBackup_RemovesFileAndSidecar(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web_20260101_010000.tar.gz"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web_20260101_010000.tar.gz.json"), []byte("{}"), 0o644))

	audit := &fakeAudit{}
	h := NewBackupHandler(&fakeSupervisor{}, &fakeScheduler{}, audit, dir, zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodDelete, "/api/backups/web_20260101_010000.tar.gz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	_, err := os.Stat(filepath.Join(dir, "web_20260101_010000.tar.gz"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "web_20260101_010000.tar.gz.json"))
	require.True(t, os.IsNotExist(err))
	require.Contains(t, audit.entries, "backup_deleted")
}

func TestDeleteBackup_RejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	h := NewBackupHandler(&fakeSupervisor{}, &fakeScheduler{}, &fakeAudit{}, dir, zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodDelete, "/api/backups/..%2Fetc%2Fpasswd", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.NotEqual(t, http.StatusNoContent, w.Code)
}

func TestGetSchedule_ReturnsCurrent(t *testing.T) {
	sched := &fakeScheduler{current: scheduler.Schedule{Type: scheduler.Daily, Hour: 2, Lifecycle: 7}}
	h := NewBackupHandler(&fakeSupervisor{}, sched, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/schedule", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp scheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "daily", resp.ScheduleType)
	require.Equal(t, 2, resp.Hour)
}

func TestPutSchedule_RejectsInvalidHour(t *testing.T) {
	h := NewBackupHandler(&fakeSupervisor{}, &fakeScheduler{}, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(ScheduleRequest{ScheduleType: "daily", Hour: 99, Lifecycle: 3})
	req := httptest.NewRequest(http.MethodPut, "/api/schedule", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutSchedule_AcceptsValidSchedule(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewBackupHandler(&fakeSupervisor{}, sched, &fakeAudit{}, t.TempDir(), zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(ScheduleRequest{ScheduleType: "weekly", Hour: 3, DayOfWeek: 1, Lifecycle: 5, SelectedContainers: []string{"c1"}})
	req := httptest.NewRequest(http.MethodPut, "/api/schedule", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, scheduler.Weekly, sched.current.Type)
	require.Equal(t, []string{"c1"}, sched.current.SelectedContainers)
}
