package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

// HealthStatus is the readiness report.
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	State         string `json:"state"`
	SinkHealthy   bool   `json:"sink_healthy"`
	Output        string `json:"output"`
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	Status vcamrelay.StatusMessage `json:"status"`

	Output               string  `json:"output"`
	FramesReceived       uint64  `json:"frames_received"`
	Sessions             uint64  `json:"sessions"`
	Reconnects           uint64  `json:"reconnects"`
	LastErrorKind        string  `json:"last_error_kind,omitempty"`
	SourceFPS            float64 `json:"source_fps"`
	SlotOverwrites       uint64  `json:"slot_overwrites"`
	StaleFramesDropped   uint64  `json:"stale_frames_dropped"`
	LiveFramesWritten    uint64  `json:"live_frames_written"`
	PatternFramesWritten uint64  `json:"pattern_frames_written"`
	SinkWriteErrors      uint64  `json:"sink_write_errors"`
	SinkHealthy          bool    `json:"sink_healthy"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

type startRequest struct {
	URL string `json:"url"`
}

type reconfigureRequest struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// handleLiveness returns 200 while the process can serve requests.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness reports unhealthy (503) when the sink has failed and
// degraded while the source is not connected; the output keeps running in
// that case, so it is still ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	st := s.relay.Stats()

	health := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		State:         st.State.String(),
		SinkHealthy:   st.SinkHealthy,
		Output:        st.Output.String(),
	}

	code := http.StatusOK
	switch {
	case !st.SinkHealthy:
		health.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case st.State != vcamrelay.StateConnected:
		health.Status = "degraded"
	}
	writeJSON(w, code, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.relay.Stats()

	resp := StatusResponse{
		Status:               s.relay.State().Message(),
		Output:               st.Output.String(),
		FramesReceived:       st.FramesReceived,
		Sessions:             st.Sessions,
		Reconnects:           st.Reconnects,
		SourceFPS:            st.SourceFPS,
		SlotOverwrites:       st.SlotOverwrites,
		StaleFramesDropped:   st.StaleFramesDropped,
		LiveFramesWritten:    st.LiveFramesWritten,
		PatternFramesWritten: st.PatternFramesWritten,
		SinkWriteErrors:      st.SinkWriteErrors,
		SinkHealthy:          st.SinkHealthy,
		UptimeSeconds:        st.Uptime.Seconds(),
	}
	if st.LastErrorKind != vcamrelay.KindNone {
		resp.LastErrorKind = st.LastErrorKind.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"urls": s.relay.History()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := s.relay.Start(req.URL); err != nil {
		writeError(w, controlErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.relay.State().Message())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Stop(); err != nil {
		writeError(w, controlErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.relay.State().Message())
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req reconfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := s.relay.Reconfigure(req.Width, req.Height, req.FPS); err != nil {
		writeError(w, controlErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"output": vcamrelay.Format{Width: req.Width, Height: req.Height, FPS: req.FPS}.String(),
	})
}

// controlErrorCode maps relay control errors to HTTP status codes.
func controlErrorCode(err error) int {
	switch {
	case errors.Is(err, vcamrelay.ErrEmptyURL):
		return http.StatusBadRequest
	case errors.Is(err, vcamrelay.ErrNotRunning), errors.Is(err, vcamrelay.ErrSinkFailed):
		return http.StatusServiceUnavailable
	}
	switch vcamrelay.KindOf(err) {
	case vcamrelay.KindFormatMismatch:
		return http.StatusBadRequest
	case vcamrelay.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}
