package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"capman/internal/api"
	"capman/internal/artifact"
	"capman/internal/pluginctx"
	"capman/internal/report"
	"capman/pkg/logging"
)

const subsystem = "Server"

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	// maxBodyBytes bounds request bodies; manifests and steps are small.
	maxBodyBytes = 4 << 20
)

// Orchestrator runs one action through the execution pipeline.
type Orchestrator interface {
	ExecuteAction(ctx context.Context, step api.Step) ([]api.PluginOutput, *report.StructuredError)
}

// Registry is the manifest CRUD surface the handlers expose.
type Registry interface {
	Store(ctx context.Context, m *api.PluginManifest) (isUpdate bool, err error)
	List() []api.PluginLocator
	FetchOne(id, version string) *api.PluginManifest
	Delete(ctx context.Context, id, version string) error
}

// ContextGenerator produces the ranked plugin summary block.
type ContextGenerator interface {
	GeneratePluginContext(goal string, c pluginctx.Constraints) string
}

// ArtifactStore stores and streams execution artifacts.
type ArtifactStore interface {
	Upload(data []byte, fileName, mimeType string) (*artifact.Metadata, error)
	GetStream(id string) (io.ReadCloser, *artifact.Metadata, error)
}

// Health reports service liveness plus per-subsystem initialization state.
type Health struct {
	Status         string            `json:"status"`
	Initialization map[string]string `json:"initialization"`
}

// Options wires a Server.
type Options struct {
	Orchestrator Orchestrator
	Registry     Registry
	Contexts     ContextGenerator
	// Artifacts enables the artifact endpoints when set.
	Artifacts ArtifactStore
	// Ready gates the readiness endpoint; nil means always ready.
	Ready func() bool
	// HealthStatus supplies the health payload; nil yields a static "ok".
	HealthStatus func() Health
}

// Server owns the HTTP mux and its lifecycle.
type Server struct {
	orch      Orchestrator
	registry  Registry
	contexts  ContextGenerator
	artifacts ArtifactStore
	ready     func() bool
	health    func() Health

	httpServer *http.Server
}

// New creates a Server. Call Handler for the mux or Start to listen.
func New(opts Options) *Server {
	s := &Server{
		orch:      opts.Orchestrator,
		registry:  opts.Registry,
		contexts:  opts.Contexts,
		artifacts: opts.Artifacts,
		ready:     opts.Ready,
		health:    opts.HealthStatus,
	}
	if s.ready == nil {
		s.ready = func() bool { return true }
	}
	if s.health == nil {
		s.health = func() Health { return Health{Status: "ok"} }
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /executeAction", s.handleExecuteAction)
	mux.HandleFunc("POST /plugins", s.handleStorePlugin)
	mux.HandleFunc("GET /plugins", s.handleListPlugins)
	mux.HandleFunc("GET /plugins/{id}", s.handleGetPlugin)
	mux.HandleFunc("DELETE /plugins/{id}", s.handleDeletePlugin)
	mux.HandleFunc("POST /generatePluginContext", s.handleGenerateContext)

	if s.artifacts != nil {
		mux.HandleFunc("POST /artifacts", s.handleUploadArtifact)
		mux.HandleFunc("GET /artifacts/{id}", s.handleGetArtifact)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	return mux
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	logging.Info(subsystem, "Listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var step api.Step
	if !decodeBody(w, r, &step) {
		return
	}
	if step.ActionVerb == "" {
		writeError(w, report.New(report.CodeInvalidInput, "actionVerb is required",
			report.Opts{Source: subsystem, HTTPStatus: 400}))
		return
	}

	outputs, se := s.orch.ExecuteAction(r.Context(), step)
	if se != nil {
		// The body still carries the outputs so callers always parse one
		// shape; the structured error rides inside the single error output.
		writeJSON(w, statusOf(se), outputs)
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

// storeResponse is the body returned by storePlugin.
type storeResponse struct {
	PluginID string `json:"pluginId"`
	Version  string `json:"version"`
	IsUpdate bool   `json:"isUpdate"`
}

func (s *Server) handleStorePlugin(w http.ResponseWriter, r *http.Request) {
	var m api.PluginManifest
	if !decodeBody(w, r, &m) {
		return
	}

	isUpdate, err := s.registry.Store(r.Context(), &m)
	if err != nil {
		writeError(w, report.Ensure(err, report.CodeInternalError, subsystem, ""))
		return
	}

	status := http.StatusCreated
	if isUpdate {
		status = http.StatusOK
	}
	writeJSON(w, status, storeResponse{PluginID: m.ID, Version: m.Version, IsUpdate: isUpdate})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	repository := r.URL.Query().Get("repository")

	locators := s.registry.List()
	if repository != "" {
		filtered := locators[:0]
		for _, l := range locators {
			if l.RepositoryType == repository {
				filtered = append(filtered, l)
			}
		}
		locators = filtered
	}
	if locators == nil {
		locators = []api.PluginLocator{}
	}
	writeJSON(w, http.StatusOK, locators)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.URL.Query().Get("version")

	m := s.registry.FetchOne(id, version)
	if m == nil {
		writeError(w, report.Newf(report.CodePluginNotFound, subsystem,
			"plugin %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeletePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.URL.Query().Get("version")

	if err := s.registry.Delete(r.Context(), id, version); err != nil {
		if api.IsNotFound(err) {
			writeError(w, report.New(report.CodePluginNotFound, err.Error(),
				report.Opts{Source: subsystem, HTTPStatus: 404}))
			return
		}
		writeError(w, report.Ensure(err, report.CodeInternalError, subsystem, ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pluginId": id})
}

// contextRequest is the generatePluginContext body.
type contextRequest struct {
	Goal        string                `json:"goal"`
	Constraints pluginctx.Constraints `json:"constraints"`
}

func (s *Server) handleGenerateContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	block := s.contexts.GeneratePluginContext(req.Goal, req.Constraints)
	writeJSON(w, http.StatusOK, map[string]string{"context": block})
}

// maxArtifactBytes bounds artifact uploads.
const maxArtifactBytes = 64 << 20

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArtifactBytes))
	if err != nil {
		writeError(w, report.New(report.CodeArtifactUploadFailed, "failed to read artifact body",
			report.Opts{Source: subsystem, Cause: err, HTTPStatus: 400}))
		return
	}

	fileName := r.URL.Query().Get("fileName")
	mimeType := r.Header.Get("Content-Type")
	meta, err := s.artifacts.Upload(data, fileName, mimeType)
	if err != nil {
		writeError(w, report.Ensure(err, report.CodeArtifactUploadFailed, subsystem, ""))
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	stream, meta, err := s.artifacts.GetStream(r.PathValue("id"))
	if err != nil {
		writeError(w, report.Ensure(err, report.CodeInternalError, subsystem, ""))
		return
	}
	defer stream.Close()

	if meta.MimeType != "" {
		w.Header().Set("Content-Type", meta.MimeType)
	}
	if meta.FileName != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+meta.FileName+`"`)
	}
	if _, err := io.Copy(w, stream); err != nil {
		logging.Error(subsystem, err, "Failed to stream artifact %s", meta.ID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready() {
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

// decodeBody parses a JSON body; on failure it writes a 400 and returns
// false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, report.New(report.CodeInvalidInput, "request body is not valid JSON",
			report.Opts{Source: subsystem, Cause: err, HTTPStatus: 400}))
		return false
	}
	return true
}

// statusOf maps a structured error to its HTTP status; unset means 500.
func statusOf(se *report.StructuredError) int {
	if se.HTTPStatus > 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, se *report.StructuredError) {
	status := statusOf(se)
	if se.Code == report.CodePluginNotFound && se.HTTPStatus == 0 {
		status = http.StatusNotFound
	}
	writeJSON(w, status, se)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error(subsystem, err, "Failed to encode response body")
	}
}
