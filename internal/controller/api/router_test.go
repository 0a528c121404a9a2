package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/job"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
	"github.com/viperadnan-git/gpushare/internal/core/process"
	"github.com/viperadnan-git/gpushare/internal/core/service"
)

type fakeJobs struct {
	modes    []process.Mode
	tail     int
	schedule [2]*time.Time
}

func (f *fakeJobs) result(id int64, status job.Status) *job.Job {
	return &job.Job{ID: id, Name: "train", OwnerName: "alice", Status: status,
		Tasks: []*job.Task{{ID: id * 10, JobID: id, Hostname: "gpu1", Status: status}}}
}

func (f *fakeJobs) SpawnTask(_ context.Context, id int64) (*job.Job, error) {
	return f.result(1, job.StatusRunning), nil
}

func (f *fakeJobs) TerminateTask(_ context.Context, id int64, mode process.Mode) (*job.Job, error) {
	f.modes = append(f.modes, mode)
	return f.result(1, job.StatusTerminated), nil
}

func (f *fakeJobs) ExecuteJob(_ context.Context, id int64) (*job.Job, error) {
	switch id {
	case 1:
		return f.result(id, job.StatusRunning), nil
	case 2:
		return f.result(id, job.StatusRunning), fmt.Errorf("job 2 is running: %w", service.ErrInvalidState)
	case 3:
		return nil, fmt.Errorf("execute job 3: %w", &process.SpawnError{Host: "gpu1", Output: "oops"})
	}
	return nil, fmt.Errorf("job %d: %w", id, service.ErrNotFound)
}

func (f *fakeJobs) StopJob(_ context.Context, id int64, mode process.Mode) (*job.Job, error) {
	f.modes = append(f.modes, mode)
	return f.result(id, job.StatusTerminated), nil
}

func (f *fakeJobs) TaskLog(_ context.Context, id int64, tail int) ([]string, string, error) {
	f.tail = tail
	return []string{"epoch 1", "epoch 2"}, "~/.gpushare/logs/task_9.log", nil
}

func (f *fakeJobs) RescheduleJob(_ context.Context, id int64, startAt, stopAt *time.Time) (*job.Job, error) {
	if id == 2 {
		return nil, fmt.Errorf("job 2 is running: %w", service.ErrInvalidState)
	}
	if startAt != nil && stopAt != nil && stopAt.Before(*startAt) {
		return nil, job.ErrStopBeforeStart
	}
	f.schedule = [2]*time.Time{startAt, stopAt}
	j := f.result(id, job.StatusNotRunning)
	j.StartAt, j.StopAt = startAt, stopAt
	return j, nil
}

func (f *fakeJobs) RescheduleTask(_ context.Context, id int64, spawnAt, terminateAt *time.Time) (*job.Job, error) {
	f.schedule = [2]*time.Time{spawnAt, terminateAt}
	return f.result(1, job.StatusNotRunning), nil
}

type fakeHistory struct{}

func (fakeHistory) JobEvents(_ context.Context, id int64) ([]service.JobEventRecord, error) {
	taskID := id * 10
	return []service.JobEventRecord{
		{JobID: id, TaskID: &taskID, Kind: "task.spawned", Detail: "pid 7 on gpu1"},
		{JobID: id, Kind: "job.status_changed", Detail: "not_running -> running"},
	}, nil
}

type rejectAll struct{}

func (rejectAll) Validate(context.Context, access.Reservation) error {
	return &access.RejectedError{Reason: access.ReasonCollision, ConflictID: 4}
}

func newTestServer(t *testing.T) (*echo.Echo, *fakeJobs, event.Bus) {
	t.Helper()
	jobs := &fakeJobs{}
	bus := event.NewBus()
	snaps := monitor.NewMemoryStore()
	require.NoError(t, snaps.Save(context.Background(), monitor.Snapshot{
		"gpu1": {"GPU-a": {Name: "A100", Index: 0}},
	}))

	e := echo.New()
	SetupRouter(e, RouterConfig{Jobs: jobs, History: fakeHistory{}, Snapshots: snaps, Validator: rejectAll{}, Bus: bus})
	return e, jobs, bus
}

func do(e *echo.Echo, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestExecuteJobStatusMapping(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, body := do(e, http.MethodPost, "/api/v1/jobs/1/execute", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "running", body["data"].(map[string]any)["status"])

	rec, body = do(e, http.MethodPost, "/api/v1/jobs/2/execute", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = do(e, http.MethodPost, "/api/v1/jobs/3/execute", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, _ = do(e, http.MethodPost, "/api/v1/jobs/99/execute", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminationModes(t *testing.T) {
	e, jobs, _ := newTestServer(t)

	rec, _ := do(e, http.MethodPost, "/api/v1/jobs/1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, _ = do(e, http.MethodPost, "/api/v1/tasks/10/terminate?mode=kill", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []process.Mode{process.ModeInterrupt, process.ModeKill}, jobs.modes)

	rec, _ = do(e, http.MethodPost, "/api/v1/tasks/10/terminate?mode=nuke", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTaskLog(t *testing.T) {
	e, jobs, _ := newTestServer(t)

	rec, body := do(e, http.MethodGet, "/api/v1/tasks/9/log?tail=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, jobs.tail)
	data := body["data"].(map[string]any)
	assert.Len(t, data["lines"], 2)
}

func TestSnapshot(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, body := do(e, http.MethodGet, "/api/v1/metrics/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hosts := body["data"].(map[string]any)
	assert.Contains(t, hosts, "gpu1")
}

func TestValidateReservationRejected(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, body := do(e, http.MethodPost, "/api/v1/reservations/validate",
		`{"user_id": 1, "resource_id": "GPU-a", "start": "2026-03-02T10:00:00Z", "end": "2026-03-02T12:00:00Z"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "collision", body["code"])
}

func TestRestrictionChangedPublishes(t *testing.T) {
	e, _, bus := newTestServer(t)

	var got []event.RestrictionEvent
	bus.Subscribe(event.EventRestrictionChanged, func(_ context.Context, ev event.Event) error {
		got = append(got, ev.Payload.(event.RestrictionEvent))
		return nil
	})

	rec, _ := do(e, http.MethodPost, "/api/v1/restrictions/3/changed", `{"widened": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].RestrictionID)
	assert.True(t, got[0].Widened)
}

func TestRescheduleJob(t *testing.T) {
	e, jobs, _ := newTestServer(t)

	rec, body := do(e, http.MethodPut, "/api/v1/jobs/1/schedule",
		`{"start": "2026-03-02T12:00:00+02:00", "stop": "2026-03-02T14:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, jobs.schedule[0])
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), *jobs.schedule[0])
	assert.Equal(t, "not_running", body["data"].(map[string]any)["status"])

	rec, _ = do(e, http.MethodPut, "/api/v1/jobs/1/schedule",
		`{"start": "2026-03-02T12:00:00Z", "stop": "2026-03-02T11:00:00Z"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = do(e, http.MethodPut, "/api/v1/jobs/2/schedule", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRescheduleTaskClearsOmittedBound(t *testing.T) {
	e, jobs, _ := newTestServer(t)

	rec, _ := do(e, http.MethodPut, "/api/v1/tasks/10/schedule", `{"start": "2026-03-02T12:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, jobs.schedule[0])
	assert.Nil(t, jobs.schedule[1])
}

func TestJobEvents(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec, body := do(e, http.MethodGet, "/api/v1/jobs/4/events", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := body["data"].([]any)
	require.Len(t, events, 2)
	first := events[0].(map[string]any)
	assert.Equal(t, "task.spawned", first["kind"])
	assert.Equal(t, float64(40), first["task_id"])
	assert.NotContains(t, events[1].(map[string]any), "task_id")
}
