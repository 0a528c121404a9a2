package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humaecho"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/viperadnan-git/gpushare/internal/controller/api/handlers"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
)

type RouterConfig struct {
	Jobs      handlers.JobService
	History   handlers.JobHistory
	Snapshots monitor.SnapshotStore
	Validator handlers.ReservationValidator
	Bus       event.Bus
}

func SetupRouter(e *echo.Echo, cfg RouterConfig) huma.API {
	handlers.InitErrors()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/api/v1")
	config := huma.DefaultConfig("gpushare API", "1.0.0")
	config.Servers = []*huma.Server{{URL: "/api/v1"}}
	config.Info.Description = "GPU cluster access arbiter"

	api := humaecho.NewWithGroup(e, v1, config)

	jobsHandler := handlers.NewJobsHandler(cfg.Jobs, cfg.History)
	huma.Register(api, huma.Operation{
		OperationID: "task-spawn",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/spawn",
		Summary:     "Spawn a task",
		Tags:        []string{"Tasks"},
	}, jobsHandler.SpawnTask)

	huma.Register(api, huma.Operation{
		OperationID: "task-terminate",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/terminate",
		Summary:     "Terminate a task",
		Tags:        []string{"Tasks"},
	}, jobsHandler.TerminateTask)

	huma.Register(api, huma.Operation{
		OperationID: "task-log",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/log",
		Summary:     "Fetch a task's log",
		Tags:        []string{"Tasks"},
	}, jobsHandler.TaskLog)

	huma.Register(api, huma.Operation{
		OperationID: "job-execute",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/execute",
		Summary:     "Spawn every task of a job",
		Tags:        []string{"Jobs"},
	}, jobsHandler.ExecuteJob)

	huma.Register(api, huma.Operation{
		OperationID: "job-stop",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/stop",
		Summary:     "Stop every task of a job",
		Tags:        []string{"Jobs"},
	}, jobsHandler.StopJob)

	huma.Register(api, huma.Operation{
		OperationID: "task-schedule",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/schedule",
		Summary:     "Set a task's spawn and terminate times",
		Tags:        []string{"Tasks"},
	}, jobsHandler.RescheduleTask)

	huma.Register(api, huma.Operation{
		OperationID: "job-schedule",
		Method:      http.MethodPut,
		Path:        "/jobs/{id}/schedule",
		Summary:     "Set a job's start and stop times",
		Tags:        []string{"Jobs"},
	}, jobsHandler.RescheduleJob)

	huma.Register(api, huma.Operation{
		OperationID: "job-events",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/events",
		Summary:     "Lifecycle history of a job",
		Tags:        []string{"Jobs"},
	}, jobsHandler.JobEvents)

	monitorHandler := handlers.NewMonitorHandler(cfg.Snapshots)
	huma.Register(api, huma.Operation{
		OperationID: "metrics-snapshot",
		Method:      http.MethodGet,
		Path:        "/metrics/snapshot",
		Summary:     "Latest GPU snapshot",
		Tags:        []string{"Monitoring"},
	}, monitorHandler.Snapshot)

	accessHandler := handlers.NewAccessHandler(cfg.Validator, cfg.Bus)
	huma.Register(api, huma.Operation{
		OperationID: "reservation-validate",
		Method:      http.MethodPost,
		Path:        "/reservations/validate",
		Summary:     "Check a reservation before saving it",
		Tags:        []string{"Access"},
	}, accessHandler.ValidateReservation)

	huma.Register(api, huma.Operation{
		OperationID: "restriction-changed",
		Method:      http.MethodPost,
		Path:        "/restrictions/{id}/changed",
		Summary:     "Reconcile reservations after a restriction change",
		Tags:        []string{"Access"},
	}, accessHandler.RestrictionChanged)

	return api
}
