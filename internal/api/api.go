// /internal/api/api.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/launcher"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/orchestrator"
	"hrs-launcher/internal/store"
)

// Service is the orchestrator surface the API exposes.
type Service interface {
	Snapshot() orchestrator.Snapshot
	ListVersions() []store.InstalledVersion
	RequestInstall(ctx context.Context, versionID string) error
	RemoveVersion(ctx context.Context, versionID string) error
	SetActive(ctx context.Context, versionID string) error
	RequestLaunch(ctx context.Context, req orchestrator.LaunchRequest) (string, error)
	RequestCancel(ctx context.Context) error
	RequestTerminate(ctx context.Context) error
	LaunchOutput(ctx context.Context) ([]launcher.Line, error)
	ListMods(versionID string) ([]store.Mod, error)
	AvailableMods(ctx context.Context, versionID string) ([]orchestrator.AvailableMod, error)
	InstallMod(ctx context.Context, versionID string, ref fetcher.ArtifactRef) (store.Mod, error)
	RemoveMod(ctx context.Context, id string) error
	SetModEnabled(ctx context.Context, id string, enabled bool) error
	ClearDiagnostics(ctx context.Context) error
	Overrides() store.Overrides
	SetOverrides(ctx context.Context, o store.Overrides) error
}

type API struct {
	svc     Service
	version string
	logger  *zap.Logger
	server  *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    apperr.Code `json:"code,omitempty"`
	Kind    apperr.Kind `json:"kind,omitempty"`
}

const maxBodyBytes = 1 << 20

func NewAPI(svc Service, addr, version string) *API {
	api := &API{
		svc:     svc,
		version: version,
		logger:  log.Log.Zap().Named("api"),
	}

	router := mux.NewRouter()
	api.setupRoutes(router)
	router.Use(api.logRequests, api.guardRequests)

	// Only pages served from this machine may call the API.
	corsHandler := cors.New(cors.Options{
		AllowOriginFunc: localOrigin,
		AllowedMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:  []string{"Content-Type"},
		ExposedHeaders:  []string{"Content-Length"},
		MaxAge:          300,
	})

	api.server = &http.Server{
		Addr:              addr,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return api
}

func (api *API) setupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")
	router.HandleFunc("/state", api.GetState).Methods("GET")

	// Versions
	router.HandleFunc("/versions", api.ListVersions).Methods("GET")
	router.HandleFunc("/versions/{id}/install", api.InstallVersion).Methods("POST")
	router.HandleFunc("/versions/{id}", api.RemoveVersion).Methods("DELETE")
	router.HandleFunc("/active/{id}", api.SetActive).Methods("PUT")

	// Game process
	router.HandleFunc("/launch", api.Launch).Methods("POST")
	router.HandleFunc("/cancel", api.Cancel).Methods("POST")
	router.HandleFunc("/terminate", api.Terminate).Methods("POST")
	router.HandleFunc("/launch/output", api.LaunchOutput).Methods("GET")

	// Mods
	router.HandleFunc("/versions/{id}/mods", api.ListMods).Methods("GET")
	router.HandleFunc("/versions/{id}/mods", api.InstallMod).Methods("POST")
	router.HandleFunc("/versions/{id}/mods/available", api.AvailableMods).Methods("GET")
	router.HandleFunc("/mods/{id}", api.RemoveMod).Methods("DELETE")
	router.HandleFunc("/mods/{id}/enabled", api.SetModEnabled).Methods("PUT")

	router.HandleFunc("/overrides", api.GetOverrides).Methods("GET")
	router.HandleFunc("/overrides", api.SetOverrides).Methods("PUT")
	router.HandleFunc("/diagnostics", api.ClearDiagnostics).Methods("DELETE")
}

// Handler returns the routed handler, for tests and embedding.
func (api *API) Handler() http.Handler {
	return api.server.Handler
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (api *API) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
		errCh <- api.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (api *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// guardRequests refuses requests from foreign origins and bodies that are
// not JSON.
func (api *API) guardRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !localOrigin(origin) {
			api.logger.Warn("Refused cross-origin request", zap.String("origin", origin), zap.String("path", r.URL.Path))
			api.sendErrorStatus(w, http.StatusForbidden, apperr.Newf(apperr.CodeInvalid, "origin %s is not allowed", origin))
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead && r.ContentLength != 0 {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				api.sendErrorStatus(w, http.StatusUnsupportedMediaType, apperr.New(apperr.CodeInvalid, "request body must be application/json"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func localOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]string{
			"status":  "healthy",
			"version": api.version,
			"time":    time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (api *API) GetState(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Data: api.svc.Snapshot()})
}

func (api *API) ListVersions(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Data: api.svc.ListVersions()})
}

func (api *API) InstallVersion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := api.svc.RequestInstall(r.Context(), id); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusAccepted, APIResponse{Success: true, Message: "install started"})
}

func (api *API) RemoveVersion(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.RemoveVersion(r.Context(), mux.Vars(r)["id"]); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Message: "version removed"})
}

func (api *API) SetActive(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.SetActive(r.Context(), mux.Vars(r)["id"]); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Message: "active version changed"})
}

func (api *API) Launch(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.LaunchRequest
	if err := decodeBody(r, &req); err != nil {
		api.sendError(w, err)
		return
	}
	attemptID, err := api.svc.RequestLaunch(r.Context(), req)
	if err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "game launched",
		Data:    map[string]string{"attempt_id": attemptID},
	})
}

func (api *API) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.RequestCancel(r.Context()); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true})
}

func (api *API) Terminate(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.RequestTerminate(r.Context()); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true})
}

func (api *API) LaunchOutput(w http.ResponseWriter, r *http.Request) {
	lines, err := api.svc.LaunchOutput(r.Context())
	if err != nil {
		api.sendError(w, err)
		return
	}
	if lines == nil {
		lines = []launcher.Line{}
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Data: lines})
}

func (api *API) ListMods(w http.ResponseWriter, r *http.Request) {
	list, err := api.svc.ListMods(mux.Vars(r)["id"])
	if err != nil {
		api.sendError(w, err)
		return
	}
	if list == nil {
		list = []store.Mod{}
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Data: list})
}

func (api *API) AvailableMods(w http.ResponseWriter, r *http.Request) {
	list, err := api.svc.AvailableMods(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Data: list})
}

// InstallMod accepts a full artifact reference, or just {"id": ...} for
// mods published in the catalog.
func (api *API) InstallMod(w http.ResponseWriter, r *http.Request) {
	var ref fetcher.ArtifactRef
	if err := decodeBody(r, &ref); err != nil {
		api.sendError(w, err)
		return
	}
	if ref.ID == "" {
		api.sendError(w, apperr.New(apperr.CodeInvalid, "mod id is required"))
		return
	}
	mod, err := api.svc.InstallMod(r.Context(), mux.Vars(r)["id"], ref)
	if err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusCreated, APIResponse{Success: true, Data: mod})
}

func (api *API) RemoveMod(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.RemoveMod(r.Context(), mux.Vars(r)["id"]); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Message: "mod removed"})
}

func (api *API) SetModEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		api.sendError(w, err)
		return
	}
	if err := api.svc.SetModEnabled(r.Context(), mux.Vars(r)["id"], body.Enabled); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true})
}

func (api *API) GetOverrides(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Data: api.svc.Overrides()})
}

func (api *API) SetOverrides(w http.ResponseWriter, r *http.Request) {
	var o store.Overrides
	if err := decodeBody(r, &o); err != nil {
		api.sendError(w, err)
		return
	}
	if err := api.svc.SetOverrides(r.Context(), o); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Data: o})
}

func (api *API) ClearDiagnostics(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.ClearDiagnostics(r.Context()); err != nil {
		api.sendError(w, err)
		return
	}
	api.sendResponse(w, http.StatusOK, APIResponse{Success: true, Message: "diagnostics cleared"})
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.CodeInvalid, "invalid request body", err)
	}
	return nil
}

func (api *API) sendResponse(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		api.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (api *API) sendError(w http.ResponseWriter, err error) {
	api.sendErrorStatus(w, statusFor(err), err)
}

func (api *API) sendErrorStatus(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		api.logger.Error("Request failed", zap.Error(err))
	}
	api.sendResponse(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
		Code:    apperr.CodeOf(err),
		Kind:    apperr.KindOf(err),
	})
}

// statusFor maps an error to the HTTP status a client should see.
func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalid:
		return http.StatusBadRequest
	case apperr.CodeNotInstalled, apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInsufficientDisk:
		return http.StatusInsufficientStorage
	case apperr.CodeMissingComponent:
		return http.StatusFailedDependency
	}
	switch apperr.KindOf(err) {
	case apperr.KindConflict, apperr.KindCancelled:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	case apperr.KindIntegrity:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
