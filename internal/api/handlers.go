// Package api implements the gateway's HTTP surface: the /terminal/*
// endpoint family plus the health and environment probes, wiring rate
// limiting, validation, and the session table together.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/remoteterm/gateway/internal/config"
	"github.com/remoteterm/gateway/internal/ratelimit"
	"github.com/remoteterm/gateway/internal/relay"
	"github.com/remoteterm/gateway/internal/session"
	"github.com/remoteterm/gateway/internal/telemetry"
	"github.com/remoteterm/gateway/internal/termvalidate"
)

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// EnvHandler reports the default exec target the gateway was deployed
// alongside, for front-ends that omit pod/container on create.
func EnvHandler(cfg func() *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		c := cfg()
		writeJSON(w, http.StatusOK, map[string]string{
			"POD_NAME":       c.Kubernetes.PodName,
			"CONTAINER_NAME": c.Kubernetes.ContainerName,
		})
	}
}

// TerminalHandler serves every /terminal/* route. It is rebuilt on config
// reload; the session table and telemetry recorder persist across rebuilds.
type TerminalHandler struct {
	cfg      *config.Config
	table    *session.Table
	recorder *telemetry.Recorder
	relay    *relay.Relay
	limits   *ratelimit.Registry
}

func NewTerminalHandler(cfg *config.Config, table *session.Table, recorder *telemetry.Recorder, rel *relay.Relay) *TerminalHandler {
	return &TerminalHandler{
		cfg:      cfg,
		table:    table,
		recorder: recorder,
		relay:    rel,
		limits: ratelimit.NewRegistry(ratelimit.Buckets{
			General:        bucketConfig(cfg.RateLimit.General),
			TerminalCreate: bucketConfig(cfg.RateLimit.TerminalCreate),
			Input:          bucketConfig(cfg.RateLimit.Input),
		}),
	}
}

func bucketConfig(b config.BucketConfig) ratelimit.Config {
	return ratelimit.Config{
		Points:        b.Points,
		WindowSeconds: b.WindowSeconds,
		BlockSeconds:  b.BlockSeconds,
	}
}

func (h *TerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/terminal/"), "/")
	parts := strings.Split(rest, "/")
	op := parts[0]
	var id string
	if len(parts) > 1 {
		id = parts[1]
	}

	ip := remoteIP(r)

	// The output stream is long-lived and exempt from general admission.
	if op != "output" {
		if ok, retry := h.limits.General.Admit(ip); !ok {
			writeRateLimited(w, retry)
			return
		}
	}

	switch {
	case op == "create" && r.Method == http.MethodPost:
		h.handleCreate(w, r, ip)
	case op == "input" && r.Method == http.MethodPost:
		h.handleInput(w, r, ip, id)
	case op == "resize" && r.Method == http.MethodPost:
		h.handleResize(w, r, id)
	case op == "output" && r.Method == http.MethodGet:
		h.handleOutput(w, r, id)
	case op == "status" && r.Method == http.MethodGet:
		h.handleStatus(w, r, id)
	case op == "heartbeat" && r.Method == http.MethodGet:
		h.handleHeartbeat(w, r, id)
	case op == "close" && r.Method == http.MethodPost:
		h.handleClose(w, r, id)
	case op == "ping" && r.Method == http.MethodGet:
		h.handlePing(w, r, id)
	case op == "report-rtt" && r.Method == http.MethodPost:
		h.handleReportRTT(w, r, id)
	case op == "network-status" && r.Method == http.MethodGet:
		h.handleNetworkStatus(w, r, id)
	case op == "reset-network" && r.Method == http.MethodPost:
		h.handleResetNetwork(w, r, id)
	case op == "performance" && r.Method == http.MethodGet:
		h.handlePerformance(w, r)
	case op == "config" && id == "validate" && r.Method == http.MethodGet:
		h.handleConfigValidate(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown endpoint")
	}
}

type createRequest struct {
	Pod       string `json:"pod"`
	Container string `json:"container"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func (h *TerminalHandler) handleCreate(w http.ResponseWriter, r *http.Request, ip string) {
	if ok, retry := h.limits.TerminalCreate.Admit(ip); !ok {
		writeRateLimited(w, retry)
		return
	}

	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	pod := req.Pod
	if pod == "" {
		pod = h.cfg.Kubernetes.PodName
	}
	container := req.Container
	if container == "" {
		container = h.cfg.Kubernetes.ContainerName
	}
	if err := termvalidate.ValidatePodContainer(pod, container); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pod/container")
		return
	}

	cols := req.Cols
	if cols == 0 {
		cols = h.cfg.Session.DefaultCols
	}
	rows := req.Rows
	if rows == 0 {
		rows = h.cfg.Session.DefaultRows
	}
	cols, rows, _ = termvalidate.ValidateResize(cols, rows)

	s, err := h.table.Create(r.Context(), pod, container, cols, rows)
	if err != nil {
		if errors.Is(err, session.ErrPodNotReady) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error("terminal spawn failed", "pod", pod, "container", container, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start terminal: "+err.Error())
		return
	}

	h.audit(r, "terminal_create", s.ID, map[string]any{"pod": pod, "container": container})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": s.ID})
}

type inputRequest struct {
	Data     string `json:"data"`
	IsSignal bool   `json:"isSignal"`
}

func (h *TerminalHandler) handleInput(w http.ResponseWriter, r *http.Request, ip, id string) {
	if ok, retry := h.limits.Input.Admit(ratelimit.InputKey(ip, id)); !ok {
		writeRateLimited(w, retry)
		return
	}

	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req inputRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	data := []byte(req.Data)
	if err := termvalidate.ValidateInput(data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.cfg.Session.SanitizeInput && !req.IsSignal {
		data = sanitizeInput(r, id, data)
	}

	if strings.ContainsAny(req.Data, "\r\n") {
		s.MarkCommand()
		h.recorder.RecordCommand()
	}

	if err := s.Write(data); err != nil {
		log.Error("terminal write failed", "sessionId", id, "err", err)
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// sanitizeInput strips raw escape bytes from client keystrokes when the
// operator has opted into sanitisation. Verbatim writes are the default;
// this path exists for locked-down deployments and logs what it removed.
func sanitizeInput(r *http.Request, id string, data []byte) []byte {
	stripped := 0
	out := data[:0:len(data)]
	for _, b := range data {
		if b == 0x1b {
			stripped++
			continue
		}
		out = append(out, b)
	}
	if stripped > 0 {
		log.Warn("input sanitizer stripped escape bytes",
			"sessionId", id, "remote", remoteIP(r), "stripped", stripped)
	}
	return out
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (h *TerminalHandler) handleResize(w http.ResponseWriter, r *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req resizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	cols, rows, _ := termvalidate.ValidateResize(req.Cols, req.Rows)
	if err := s.Resize(cols, rows); err != nil {
		log.Error("terminal resize failed", "sessionId", id, "err", err)
		writeError(w, http.StatusInternalServerError, "resize failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *TerminalHandler) handleStatus(w http.ResponseWriter, _ *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Heartbeat()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"active":       s.Active(),
		"clients":      s.SubscriberCount(),
		"lastAccessed": s.LastActivity().UnixMilli(),
		"pod":          s.Pod,
		"container":    s.Container,
	})
}

func (h *TerminalHandler) handleHeartbeat(w http.ResponseWriter, _ *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Heartbeat()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *TerminalHandler) handleClose(w http.ResponseWriter, r *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.audit(r, "terminal_close", id, nil)
	s.Close()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *TerminalHandler) handlePing(w http.ResponseWriter, _ *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Heartbeat()
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"pong":      true,
	})
}

type rttReport struct {
	RTT                  *float64    `json:"rtt"`
	MeasurementID        json.Number `json:"measurementId"`
	Timestamp            float64     `json:"timestamp"`
	ClientProcessingTime float64     `json:"clientProcessingTime"`
}

func (h *TerminalHandler) handleReportRTT(w http.ResponseWriter, r *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Heartbeat()

	var req rttReport
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	now := time.Now()
	var rtt float64
	if req.RTT != nil {
		rtt = *req.RTT
	} else {
		rtt = float64(now.UnixMilli()) - req.Timestamp - req.ClientProcessingTime
	}
	if rtt < 0 || math.IsNaN(rtt) || math.IsInf(rtt, 0) {
		writeError(w, http.StatusBadRequest, "invalid rtt value")
		return
	}

	s.Net.ReportRTT(req.MeasurementID.String(), rtt, now)
	h.recorder.RecordRTT(rtt)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type networkMetrics struct {
	RTTAvg                float64 `json:"rttAvg"`
	RTTMin                float64 `json:"rttMin"`
	RTTMax                float64 `json:"rttMax"`
	RTTStdDev             float64 `json:"rttStdDev"`
	RTTSamples            int     `json:"rttSamples"`
	BandwidthBytesPerSec  float64 `json:"bandwidthBytesPerSec"`
	UsingFallback         bool    `json:"usingFallback"`
	Unstable              bool    `json:"unstable"`
	ConsecutiveFailures   int     `json:"consecutiveFailures"`
	AdaptationsApplied    int64   `json:"adaptationsApplied"`
	MeasurementsSucceeded int64   `json:"measurementsSucceeded"`
	MeasurementsFailed    int64   `json:"measurementsFailed"`
	OptimalDelay          int64   `json:"optimalDelay"`
	OptimalBatchSize      int     `json:"optimalBatchSize"`
}

func (h *TerminalHandler) handleNetworkStatus(w http.ResponseWriter, _ *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Heartbeat()

	s.Net.ExpirePending(time.Now())
	stats := s.Net.Snapshot()
	net := h.cfg.Network
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"metrics": networkMetrics{
			RTTAvg:                stats.RTTAvgMillis,
			RTTMin:                stats.RTTMinMillis,
			RTTMax:                stats.RTTMaxMillis,
			RTTStdDev:             stats.RTTStdDevMillis,
			RTTSamples:            stats.RTTSampleCount,
			BandwidthBytesPerSec:  stats.BandwidthBytesPerSec,
			UsingFallback:         stats.UsingFallback,
			Unstable:              stats.Unstable,
			ConsecutiveFailures:   stats.ConsecutiveFailures,
			AdaptationsApplied:    stats.AdaptationsApplied,
			MeasurementsSucceeded: stats.MeasurementsSucceeded,
			MeasurementsFailed:    stats.MeasurementsFailed,
			OptimalDelay:          stats.OptimalDelayMillis,
			OptimalBatchSize:      stats.OptimalBatchSizeBytes,
		},
		"defaults": map[string]any{
			"flushThreshold":         net.FlushThresholdBytes,
			"maxDelay":               net.MaxDelayMillis,
			"minDelay":               net.MinDelayMillis,
			"minBatchSize":           net.MinBatchSizeBytes,
			"maxBatchSize":           net.MaxBatchSizeBytes,
			"targetTransmitTime":     net.TargetTransmitMillis,
			"rttMeasurementInterval": net.RTTMeasurementIntervalMs,
			"measurementTimeout":     net.MeasurementTimeoutMs,
			"failThreshold":          net.FailThreshold,
		},
	})
}

func (h *TerminalHandler) handleResetNetwork(w http.ResponseWriter, r *http.Request, id string) {
	s, err := h.table.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Heartbeat()
	s.Net.Reset()
	h.audit(r, "terminal_reset_network", id, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "network adaptation reset to defaults",
	})
}

func (h *TerminalHandler) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	h.recorder.LogNow(h.table)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *TerminalHandler) handleConfigValidate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.Validate(h.cfg))
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 256*1024))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":      "rate limit exceeded",
		"retryAfter": seconds,
	})
}
