package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shachafemanoel/hazard-detection/engine"
	"github.com/shachafemanoel/hazard-detection/hazards"
	"github.com/shachafemanoel/hazard-detection/models"
	"github.com/shachafemanoel/hazard-detection/postprocess"
	"github.com/shachafemanoel/hazard-detection/preprocess"
)

const maxUploadBytes = 10 << 20

// Config wires the detection service.
type Config struct {
	Pool        *engine.Pool
	Registry    *hazards.Registry
	Post        *postprocess.Postprocessor
	TargetSize  int
	BackendType string
	DeviceInfo  string
}

// Server implements the remote inference protocol: session lifecycle,
// multipart detect, health and summary.
type Server struct {
	cfg     Config
	store   *Store
	router  *mux.Router
	log     *logrus.Entry
	started time.Time
}

func New(cfg Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Registry == nil {
		cfg.Registry = hazards.Default()
	}
	if cfg.Post == nil {
		cfg.Post = postprocess.New(cfg.Registry)
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = preprocess.DefaultTargetSize
	}
	if cfg.BackendType == "" {
		cfg.BackendType = "onnx-cpu"
	}

	s := &Server{
		cfg:     cfg,
		store:   NewStore(),
		log:     log.WithField("component", "server"),
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/session/start", s.handleStartSession).Methods("POST")
	r.HandleFunc("/detect/{sessionId}", s.handleDetect).Methods("POST")
	r.HandleFunc("/session/{sessionId}/end", s.handleEndSession).Methods("POST")
	r.HandleFunc("/session/{sessionId}/summary", s.handleSummary).Methods("GET")
	s.router = r

	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	modelStatus := "loaded"
	if s.cfg.Pool == nil {
		modelStatus = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"model_status": modelStatus,
		"backend_type": s.cfg.BackendType,
		"device_info":  s.cfg.DeviceInfo,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Engine pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":            s.cfg.Pool.GetMetrics(),
		"active_sessions": s.store.Len(),
		"uptime_seconds":  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfidenceThreshold float32 `json:"confidence_threshold"`
		Source              string  `json:"source"`
	}
	if r.Body != nil {
		// An empty body falls back to defaults; a malformed one is rejected.
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil && len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid session config")
				return
			}
		}
	}
	if req.ConfidenceThreshold <= 0 || req.ConfidenceThreshold > 1 {
		req.ConfidenceThreshold = hazards.DefaultThreshold
	}
	if req.Source == "" {
		req.Source = "unknown"
	}

	id := s.store.Create(req.ConfidenceThreshold, req.Source)
	s.log.WithFields(logrus.Fields{
		"session_id": id, "source": req.Source, "threshold": req.ConfidenceThreshold,
	}).Info("session started")

	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := mux.Vars(r)["sessionId"]

	sess, ok := s.store.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	imgBytes, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}

	img, err := imaging.Decode(bytes.NewReader(imgBytes), imaging.AutoOrientation(true))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid image data")
		return
	}
	bounds := img.Bounds()

	detections, err := s.infer(r, img)
	if err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Error("inference failed")
		writeError(w, http.StatusInternalServerError, "Inference failed")
		return
	}

	// Session-level confidence floor on top of the per-class thresholds.
	kept := detections[:0]
	for _, d := range detections {
		if d.Confidence >= sess.ConfidenceThreshold {
			kept = append(kept, d)
		}
	}
	detections = kept

	if _, ok := s.store.AddDetections(sessionID, detections); !ok {
		// Session ended while we were processing.
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	if detections == nil {
		detections = []models.Detection{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"session_id":         sessionID,
		"detections":         detections,
		"processing_time_ms": float64(time.Since(start).Microseconds()) / 1000.0,
		"image_size": map[string]int{
			"width":  bounds.Dx(),
			"height": bounds.Dy(),
		},
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) infer(r *http.Request, img image.Image) ([]models.Detection, error) {
	payload, err := preprocess.Process(img, s.cfg.TargetSize, preprocess.FormatTensor, 0)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	eng, err := s.cfg.Pool.Acquire(r.Context())
	if err != nil {
		return nil, fmt.Errorf("acquire engine: %w", err)
	}
	defer s.cfg.Pool.Release(eng)

	raw, err := eng.Infer(r.Context(), payload)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	return s.cfg.Post.Run(raw), nil
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	rec, ok := s.store.End(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	duration := time.Since(rec.Started)
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID, "detections": rec.DetectionCount, "duration": duration,
	}).Info("session ended")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Session ended",
		"summary": map[string]interface{}{
			"session_id":       rec.ID,
			"total_detections": rec.DetectionCount,
			"duration_ms":      float64(duration.Microseconds()) / 1000.0,
			"ended":            true,
		},
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	rec, ok := s.store.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":      rec.ID,
		"started":         rec.Started,
		"detection_count": rec.DetectionCount,
		"detections":      rec.Detections,
	})
}

// readUpload pulls the image out of a multipart "file" field, falling back
// to the raw body for non-multipart uploads.
func readUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err == nil {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, maxUploadBytes))
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
