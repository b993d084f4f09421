package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bulksend/internal/dispatch"
	"bulksend/internal/eventbus"
	"bulksend/internal/storage"
	"bulksend/internal/transport"
	logx "bulksend/pkg/logx"
)

const (
	maxBodyBytes       = 4 << 20
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
	auditTimeout       = 2 * time.Second
)

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	AutoPause  *dispatch.AutoPause
	Transport  transport.Transport
	Store      storage.Store // optional
	Bus        eventbus.Bus  // optional
	Log        logx.Logger
}

// API serves the /api/ routes.
type API struct {
	d     *dispatch.Dispatcher
	ap    *dispatch.AutoPause
	tr    transport.Transport
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	mux   *http.ServeMux
}

func NewAPI(deps Deps) *API {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Store == nil {
		deps.Store = storage.Disabled{}
	}
	a := &API{
		d:     deps.Dispatcher,
		ap:    deps.AutoPause,
		tr:    deps.Transport,
		store: deps.Store,
		bus:   deps.Bus,
		log:   deps.Log.With(logx.String("comp", "api")),
		mux:   http.NewServeMux(),
	}

	a.mux.HandleFunc("GET /api/status", a.handleStatus)
	a.mux.HandleFunc("GET /api/progress", a.handleProgress)

	a.mux.HandleFunc("GET /api/control/status", a.handleControlStatus)
	a.mux.HandleFunc("POST /api/control/pause", a.handlePause)
	a.mux.HandleFunc("POST /api/control/resume", a.handleResume)
	a.mux.HandleFunc("POST /api/control/stop", a.handleStop)
	a.mux.HandleFunc("GET /api/control/auto-pause", a.handleGetAutoPause)
	a.mux.HandleFunc("POST /api/control/auto-pause", a.handleSetAutoPause)

	a.mux.HandleFunc("POST /api/send-bulk", a.handleSendBulk)

	a.mux.HandleFunc("GET /api/templates", a.handleListTemplates)
	a.mux.HandleFunc("POST /api/templates", a.handleCreateTemplate)
	a.mux.HandleFunc("DELETE /api/templates/{id}", a.handleDeleteTemplate)

	a.mux.HandleFunc("GET /api/sent-messages", a.handleSentMessages)
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.mux.ServeHTTP(w, r) }

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tr.Status())
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Progress())
}

type controlStatus struct {
	dispatch.ControlState
	Progress  dispatch.Progress        `json:"progress"`
	AutoPause dispatch.AutoPauseConfig `json:"autoPause"`
}

func (a *API) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, controlStatus{
		ControlState: a.d.Control().State(),
		Progress:     a.d.Progress(),
		AutoPause:    a.ap.Config(),
	})
}

type controlReply struct {
	OK bool `json:"ok"`
	dispatch.ControlState
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	st := a.d.Control().Pause(strings.TrimSpace(body.Reason))
	a.controlChanged(r.Context(), "pause", st)
	writeJSON(w, http.StatusOK, controlReply{OK: true, ControlState: st})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	st := a.d.Control().Resume()
	a.controlChanged(r.Context(), "resume", st)
	writeJSON(w, http.StatusOK, controlReply{OK: true, ControlState: st})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	st := a.d.Control().Stop(strings.TrimSpace(body.Reason))
	a.controlChanged(r.Context(), "stop", st)
	writeJSON(w, http.StatusOK, controlReply{OK: true, ControlState: st})
}

func (a *API) controlChanged(ctx context.Context, action string, st dispatch.ControlState) {
	a.log.Info("control changed",
		logx.String("action", action),
		logx.String("reason", st.Reason),
		logx.Bool("paused", st.Paused),
		logx.Bool("stopped", st.Stopped),
	)
	eventbus.Emit(a.bus, eventbus.TypeControlChanged, eventbus.ControlChanged{
		Action: action, Reason: st.Reason, Source: "http", Paused: st.Paused, Stopped: st.Stopped,
	})
	a.audit(ctx, storage.AuditEntry{Action: action, Reason: st.Reason})
}

func (a *API) handleGetAutoPause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ap.Config())
}

// handleSetAutoPause applies enabled only when it is a JSON boolean and
// durationMs only when it is a finite number >= 0. Anything else is ignored.
func (a *API) handleSetAutoPause(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if !decodeOptional(w, r, &raw) {
		return
	}

	var enabled *bool
	var b bool
	if v, ok := raw["enabled"]; ok && json.Unmarshal(v, &b) == nil {
		enabled = &b
	}
	var duration *time.Duration
	var ms float64
	if v, ok := raw["durationMs"]; ok && json.Unmarshal(v, &ms) == nil && !math.IsInf(ms, 0) && !math.IsNaN(ms) && ms >= 0 {
		d := millis(ms)
		duration = &d
	}

	cfg := a.ap.Configure(enabled, duration)
	a.log.Info("auto-pause configured", logx.Bool("enabled", cfg.Enabled), logx.Int64("duration_ms", cfg.DurationMs))
	meta, _ := json.Marshal(cfg)
	a.audit(r.Context(), storage.AuditEntry{Action: "auto-pause", MetaJSON: string(meta)})
	writeJSON(w, http.StatusOK, struct {
		OK        bool                     `json:"ok"`
		AutoPause dispatch.AutoPauseConfig `json:"autoPause"`
	}{true, cfg})
}

// sendBulkBody accepts "numbers" and a "delay" in seconds as older spellings
// of "destinations" and "delayMs".
type sendBulkBody struct {
	Destinations []string `json:"destinations"`
	Numbers      []string `json:"numbers"`
	Message      string   `json:"message"`
	DelayMs      *float64 `json:"delayMs"`
	Delay        *float64 `json:"delay"`
}

func (b sendBulkBody) request() dispatch.Request {
	req := dispatch.Request{Destinations: b.Destinations, Message: b.Message, Delay: -1}
	if len(req.Destinations) == 0 {
		req.Destinations = b.Numbers
	}
	switch {
	case b.DelayMs != nil && *b.DelayMs >= 0:
		req.Delay = millis(*b.DelayMs)
	case b.Delay != nil && *b.Delay >= 0:
		req.Delay = millis(*b.Delay * 1000)
	}
	return req
}

// millis converts a non-negative millisecond count, saturating at the
// largest time.Duration instead of wrapping negative.
func millis(ms float64) time.Duration {
	if ms >= float64(math.MaxInt64)/float64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func (a *API) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var body sendBulkBody
	if !decodeRequired(w, r, &body) {
		return
	}

	// The batch outlives a dropped client connection.
	ctx := context.WithoutCancel(r.Context())
	res, err := a.d.Run(ctx, body.request())
	switch {
	case errors.Is(err, dispatch.ErrBatchActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, dispatch.ErrNotConnected):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.log.Error("send-bulk failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.audit(ctx, storage.AuditEntry{
		Action:  "send-bulk",
		BatchID: res.BatchID,
		OK:      res.Progress.SuccessCount,
		Fail:    res.Progress.ErrorCount,
		Skipped: res.Progress.SkippedCount,
		TookMS:  res.Elapsed.Milliseconds(),
		Reason:  stoppedReason(res),
	})
	writeJSON(w, http.StatusOK, res)
}

func stoppedReason(res *dispatch.Result) string {
	if res.Stopped {
		return "stopped"
	}
	return ""
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListTemplates(r.Context())
	if err != nil {
		a.storeError(w, "list templates", err)
		return
	}
	if list == nil {
		list = []storage.Template{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if !decodeRequired(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}
	tpl, err := a.store.CreateTemplate(r.Context(), strings.TrimSpace(body.Name), body.Content)
	if err != nil {
		a.storeError(w, "create template", err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	ok, err := a.store.DeleteTemplate(r.Context(), id)
	if err != nil {
		a.storeError(w, "delete template", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (a *API) handleSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	recs, err := a.store.RecentSent(r.Context(), limit)
	if err != nil {
		a.storeError(w, "list sent messages", err)
		return
	}
	if recs == nil {
		recs = []storage.SentRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrDisabled) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.log.Error(op+" failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

// audit is best effort; failures are logged.
func (a *API) audit(ctx context.Context, e storage.AuditEntry) {
	e.At = time.Now()
	e.Source = "http"
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := a.store.AppendAudit(actx, e); err != nil {
		a.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, true)
}

func decodeRequired(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, false)
}

func decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
