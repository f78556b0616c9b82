// Package status serves the device presentations over HTTP and
// server-sent events, together with command and visibility endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/device"
	"github.com/dokzlo13/roomd/internal/eventbus"
	"github.com/dokzlo13/roomd/internal/group"
	"github.com/dokzlo13/roomd/internal/ledger"
	"github.com/dokzlo13/roomd/internal/match"
	"github.com/dokzlo13/roomd/internal/schema"
)

// SSE stream names.
const (
	StreamDevices  = "devices"
	StreamFailures = "failures"
	StreamSchema   = "schema"
)

// Directory is the view of the group hosts the server needs.
type Directory interface {
	Hosts() []schema.Entry
	Host(key string) (*group.Host, bool)
	Device(id string) []*device.Handler
	Reload()
	Status() schema.Status
}

// CommandLog records commands for auditing.
type CommandLog interface {
	Append(deviceID string, payload map[string]any, outcome ledger.Outcome) error
	Recent(deviceID string, limit int) ([]*ledger.Entry, error)
}

// Config configures the server.
type Config struct {
	Addr            string
	DefaultWidth    int
	ShutdownTimeout time.Duration
}

// Server is the status HTTP server.
type Server struct {
	cfg      Config
	dir      Directory
	commands CommandLog // optional
	tracker  *Tracker
	events   *sse.Server
	router   *mux.Router
	server   *http.Server
}

// New creates the server and its SSE streams.
func New(cfg Config, dir Directory, commands CommandLog) *Server {
	if cfg.DefaultWidth < 1 {
		cfg.DefaultWidth = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	events := sse.New()
	events.AutoReplay = false
	events.AutoStream = false
	events.CreateStream(StreamDevices)
	events.CreateStream(StreamFailures)
	events.CreateStream(StreamSchema)

	s := &Server{
		cfg:      cfg,
		dir:      dir,
		commands: commands,
		tracker:  NewTracker(),
		events:   events,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/groups", s.handleGroups).Methods(http.MethodGet)
	r.HandleFunc("/groups/{key}", s.handleGroup).Methods(http.MethodGet)
	r.HandleFunc("/groups/{key}/show", s.handleGroupVisibility(true)).Methods(http.MethodPost)
	r.HandleFunc("/groups/{key}/hide", s.handleGroupVisibility(false)).Methods(http.MethodPost)

	r.HandleFunc("/devices/{id}", s.handleDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/toggle", s.handleToggle).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/set", s.handleSet).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/name", s.handleRename).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/commands", s.handleCommands).Methods(http.MethodGet)

	r.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet)
	r.HandleFunc("/schema/reload", s.handleReload).Methods(http.MethodPost)

	r.HandleFunc("/events", s.events.ServeHTTP).Methods(http.MethodGet)

	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Subscribe forwards bus events to the SSE streams.
func (s *Server) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeDevice, s.onDevice)
	bus.Subscribe(eventbus.EventTypeDeviceFailure, s.onFailure)
	bus.Subscribe(eventbus.EventTypeSchema, s.onSchema)
}

func (s *Server) onDevice(e eventbus.Event) {
	update, ok := e.Data.(eventbus.DeviceUpdate)
	if !ok {
		return
	}
	if !s.tracker.Accept(update.Snapshot) {
		log.Debug().Str("device", e.Key).Uint64("seq", update.Snapshot.Seq).Msg("Dropping out-of-order update")
		return
	}
	s.publish(StreamDevices, update.Presentation)
}

type failureMessage struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Class string `json:"class"`
	Error string `json:"error"`
}

func (s *Server) onFailure(e eventbus.Event) {
	f, ok := e.Data.(eventbus.DeviceFailure)
	if !ok {
		return
	}
	msg := failureMessage{
		ID:    f.Snapshot.ID,
		Kind:  f.Failure.Kind.String(),
		Class: string(f.Failure.Class),
	}
	if f.Failure.Err != nil {
		msg.Error = f.Failure.Err.Error()
	}
	s.publish(StreamFailures, msg)
}

func (s *Server) onSchema(eventbus.Event) {
	s.tracker.Reset()
	s.publish(StreamSchema, s.dir.Status())
}

func (s *Server) publish(stream string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("stream", stream).Msg("Failed to encode event")
		return
	}
	s.events.Publish(stream, &sse.Event{Data: data})
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		// Open event streams only end when the SSE server closes.
		s.events.Close()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown error")
		}
	}()

	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("Starting status server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status server error")
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.dir.Status()
	if !st.Loaded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "loading", "schema": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "schema": st})
}

type groupView struct {
	Key     string                `json:"key"`
	Kind    schema.Kind           `json:"kind"`
	Name    string                `json:"name"`
	Visible bool                  `json:"visible"`
	Pending int                   `json:"pending"`
	Layout  group.Layout          `json:"layout"`
	Devices []device.Presentation `json:"devices"`
}

func viewOf(e schema.Entry, width int) groupView {
	handlers := e.Host.Handlers()
	devices := make([]device.Presentation, 0, len(handlers))
	for _, h := range handlers {
		devices = append(devices, h.Presentation())
	}
	return groupView{
		Key:     e.Key,
		Kind:    e.Kind,
		Name:    e.Host.Name(),
		Visible: e.Host.Visible(),
		Pending: e.Host.Pending(),
		Layout:  e.Host.Layout(width),
		Devices: devices,
	}
}

func (s *Server) width(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("width")
	if raw == "" {
		return s.cfg.DefaultWidth, nil
	}
	width, err := strconv.Atoi(raw)
	if err != nil || width < 1 {
		return 0, errors.New("width must be a positive integer")
	}
	return width, nil
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	width, err := s.width(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	filter := match.Any()
	if pattern := r.URL.Query().Get("groups"); pattern != "" {
		filter = match.Parse(pattern)
	}

	views := []groupView{}
	for _, e := range s.dir.Hosts() {
		if filter.Matches(e.Key) {
			views = append(views, viewOf(e, width))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	width, err := s.width(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := mux.Vars(r)["key"]
	for _, e := range s.dir.Hosts() {
		if e.Key == key {
			writeJSON(w, http.StatusOK, viewOf(e, width))
			return
		}
	}
	writeError(w, http.StatusNotFound, errors.New("unknown group"))
}

func (s *Server) handleGroupVisibility(show bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		h, ok := s.dir.Host(key)
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("unknown group"))
			return
		}
		if show {
			h.Show()
		} else {
			h.Hide()
		}
		log.Info().Str("group", key).Bool("visible", show).Msg("Group visibility changed")
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "visible": h.Visible()})
	}
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) (*device.Handler, bool) {
	handlers := s.dir.Device(mux.Vars(r)["id"])
	if len(handlers) == 0 {
		writeError(w, http.StatusNotFound, errors.New("unknown device"))
		return nil, false
	}
	return handlers[0], true
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handler(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Presentation())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handler(w, r)
	if !ok {
		return
	}
	on, _ := h.Snapshot().State.Bool("on")
	s.command(w, r, h, map[string]any{"on": !on})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handler(w, r)
	if !ok {
		return
	}

	var partial map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("body must be a JSON object"))
		return
	}
	if len(partial) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty command"))
		return
	}
	s.command(w, r, h, partial)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, h *device.Handler, partial map[string]any) {
	err := h.SendCommand(r.Context(), partial)
	if s.commands != nil {
		outcome := ledger.OutcomeAccepted
		if err != nil {
			outcome = ledger.OutcomeRejected
		}
		if lerr := s.commands.Append(h.ID(), partial, outcome); lerr != nil {
			log.Warn().Err(lerr).Str("device", h.ID()).Msg("Failed to record command")
		}
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Presentation())
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handler(w, r)
	if !ok {
		return
	}

	var req renameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"name": "..."}`))
		return
	}
	if err := h.Rename(r.Context(), req.Name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.Presentation())
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusNotFound, errors.New("command log disabled"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, 500)
	}

	entries, err := s.commands.Recent(mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.Status())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.dir.Reload()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reloading"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrEmptyName):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrHandlerClosed), errors.Is(err, device.ErrNotCommandable):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
