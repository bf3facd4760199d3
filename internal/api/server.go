// Package api exposes the recond service over HTTP.
//
// Errors are answered with application/problem+json bodies. Job events are
// streamed over a websocket until the job reaches a terminal state.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/msfrecon/recond/internal/log"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/msfrecon/recond/internal/scheduler"
	"github.com/msfrecon/recond/internal/service"
	"github.com/msfrecon/recond/internal/store"
)

const (
	maxBodySize     = 1 << 20
	maxRequesterLen = 64
	defaultLimit    = 50
	maxLimit        = 500

	writeWait         = 10 * time.Second
	pingPeriod        = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Service is the part of service.Service the API serves.
type Service interface {
	Submit(ctx context.Context, req model.SubmitRequest) (model.Job, bool, error)
	Status(ctx context.Context, id string) (model.JobStatus, error)
	Results(ctx context.Context, id string) ([]model.ToolResult, error)
	Job(ctx context.Context, id string) (model.Job, error)
	Cancel(ctx context.Context, id string) error
	Tools() []registry.ToolInfo
	History(ctx context.Context, opts store.ListOptions) ([]model.JobSummary, int, error)
	Audit(ctx context.Context, limit int) ([]model.AuditRecord, error)
	SaveProfile(ctx context.Context, p model.Profile) error
	Profile(ctx context.Context, name string) (model.Profile, error)
	Profiles(ctx context.Context) ([]model.Profile, error)
	DeleteProfile(ctx context.Context, name string) error
	Watch(ctx context.Context, id string) (<-chan scheduler.Event, func(), error)
}

type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type SubmitResponse struct {
	JobID  string       `json:"jobId"`
	Status model.Status `json:"status"`
}

type HistoryResponse struct {
	Jobs   []model.JobSummary `json:"jobs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// Problem is an RFC 9457 problem detail.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("status code: %d, detail: %s", p.Status, p.Detail)
}

type Server struct {
	svc      Service
	cfg      model.Service
	handler  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(svc Service, cfg model.Service) *Server {
	s := &Server{svc: svc, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	handlers := map[string]http.HandlerFunc{
		EndpointInfo:          s.info,
		EndpointSubmit:        s.submit,
		EndpointHistory:       s.history,
		EndpointStatus:        s.status,
		EndpointResults:       s.results,
		EndpointCancel:        s.cancel,
		EndpointEvents:        s.events,
		EndpointTools:         s.tools,
		EndpointProfiles:      s.profiles,
		EndpointProfile:       s.profile,
		EndpointSaveProfile:   s.saveProfile,
		EndpointDeleteProfile: s.deleteProfile,
		EndpointAudit:         s.audit,
	}
	mux := http.NewServeMux()
	for name, e := range Endpoints() {
		mux.Handle(e.Pattern(), handlers[name])
	}
	s.handler = s.logRequests(s.cors(s.authenticate(mux)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on service.listen until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "shutting down http server has failed", "error", err)
		}
	}()

	slog.InfoContext(ctx, "http server listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) info(w http.ResponseWriter, _ *http.Request) {
	version := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		version = info.Main.Version
	}
	writeJSON(w, http.StatusOK, Info{Name: "recond", Version: version})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	req.Requester = requester(r)
	req.Client = remoteHost(r)
	req.IdempotencyKey = r.Header.Get(headerIdempotencyKey)

	job, created, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	w.Header().Set("Location", Endpoints()[EndpointStatus].URL(job.ID))
	writeJSON(w, code, SubmitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultLimit)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	limit = min(limit, maxLimit)
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	opts := store.ListOptions{
		Limit:     limit,
		Offset:    offset,
		Status:    model.Status(q.Get("status")),
		Requester: q.Get("requester"),
	}
	jobs, total, err := s.svc.History(r.Context(), opts)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.JobSummary{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch format := r.URL.Query().Get("format"); format {
	case "", service.FormatJSON:
		results, err := s.svc.Results(r.Context(), id)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	case service.FormatCycloneDX:
		job, err := s.svc.Job(r.Context(), id)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeCycloneDX)
		w.WriteHeader(http.StatusOK)
		if err := service.Encode(w, job, format); err != nil {
			slog.ErrorContext(r.Context(), "encoding bom failed", "error", err)
		}
	default:
		writeProblem(w, r, fmt.Errorf("%w: unsupported format %q", model.ErrInvalidParameter, format))
	}
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		writeProblem(w, r, err)
		return
	}
	st, err := s.svc.Status(r.Context(), id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) tools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Tools())
}

func (s *Server) profiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.svc.Profiles(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Profile(r.Context(), r.PathValue("name"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) saveProfile(w http.ResponseWriter, r *http.Request) {
	var p model.Profile
	if err := decode(r, &p); err != nil {
		writeProblem(w, r, err)
		return
	}
	p.Name = r.PathValue("name")
	if err := s.svc.SaveProfile(r.Context(), p); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteProfile(r.Context(), r.PathValue("name")); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultLimit)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	records, err := s.svc.Audit(r.Context(), min(limit, maxLimit))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// events streams the events of a job. The first message is the current
// status; the stream ends after a terminal status.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	events, stop, err := s.svc.Watch(ctx, id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	defer stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request
		slog.DebugContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}
	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}

	st, err := s.svc.Status(ctx, id)
	if err != nil {
		return
	}
	if err := write(scheduler.Event{JobID: id, Type: scheduler.EventStatus, Status: st.Status, Error: st.Error}); err != nil {
		return
	}
	if st.Status.Terminal() {
		closeNormal()
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := write(e); err != nil {
				slog.DebugContext(ctx, "writing event failed", "error", err)
				return
			}
			if e.Type == scheduler.EventStatus && e.Status.Terminal() {
				closeNormal()
				return
			}
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.AllowedOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Authorization", "Content-Type", headerIdempotencyKey, headerRequester,
			}, ", "))
			h.Set("Access-Control-Expose-Headers", "Location")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate checks the bearer token when static_token auth is configured.
// Browsers cannot set headers on websocket requests, so the token is also
// accepted in the access_token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.cfg.Auth.Type != model.AuthTypeStaticToken {
		return next
	}
	want := []byte(s.cfg.Auth.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			got = r.URL.Query().Get("access_token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="recond"`)
			problem(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextAttrs(r.Context(),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		slog.DebugContext(ctx, "request served", "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// requester identifies the caller by the X-Requester header or the remote host.
func requester(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerRequester)); v != "" && len(v) <= maxRequesterLen && printable(v) {
		return v
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func printable(s string) bool {
	for _, c := range s {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non negative integer", model.ErrInvalidParameter, raw)
	}
	return n, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding request body: %v", model.ErrInvalidParameter, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrNotAuthorized):
		return http.StatusForbidden
	// a submit naming a missing profile is a bad request, not a missing resource
	case errors.Is(err, model.ErrInvalidFormat),
		errors.Is(err, model.ErrUnknownTool),
		errors.Is(err, model.ErrInvalidParameter),
		errors.Is(err, model.ErrParameterInjectionRejected):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrJobNotFound), errors.Is(err, model.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	detail := err.Error()
	if code == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		detail = "internal error"
	}
	problem(w, code, detail)
}

func problem(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", contentTypeProblem)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   "about:blank",
		Title:  http.StatusText(code),
		Status: code,
		Detail: detail,
	})
}
