// Package httpapi wires the scheduling service's external HTTP surface
// onto the Job Dispatcher, Status & Log Service, Result Catalog, and Case
// Document Store, adapted from the reference stack's echo-handler style
// in http/runner.go and statemanager/handlers.go.
package httpapi

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/catalog"
	"eve.evalgo.org/casestore"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/runregistry"
	"eve.evalgo.org/storage"
)

// Server holds the component handles every handler needs. It carries no
// state of its own beyond configuration; the Object Store remains the
// sole source of truth per the Design Notes.
type Server struct {
	Registry     *runregistry.Registry
	Catalog      *catalog.Catalog
	CaseStore    *casestore.Store
	Queue        queue.Queue
	Store        storage.Store
	MaxCaseBytes int64
	LogHeartbeat time.Duration
	Log          *logrus.Entry

	StoreBackend string
	QueueBackend string
	Region       string
}

// RegisterRoutes adds every §6 endpoint to e, under the given group
// middleware (API key auth, request tracking) already applied by the
// caller via e.Use.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/solve", s.handleSolve)
	e.GET("/status/:run_id", s.handleStatus)
	e.GET("/logs/:run_id", s.handleLogs)
	e.POST("/stop/:run_id", s.handleStop)
	e.GET("/results/folders", s.handleListFolders)
	e.GET("/download/folder/:name", s.handleDownload)
	e.DELETE("/results/delete/:name", s.handleDeleteFolder)
	e.GET("/case/active", s.handleCaseActive)
	e.POST("/case/save", s.handleCaseSave)
	e.GET("/health", s.handleHealth)
}
