package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shachafemanoel/hazard-detection/hazards"
	"github.com/shachafemanoel/hazard-detection/models"
	"github.com/shachafemanoel/hazard-detection/preprocess"
	"github.com/shachafemanoel/hazard-detection/retry"
)

// State tracks the local view of a remote session's lifecycle.
type State int

const (
	StateCreated State = iota
	StateActive
	StateEnded
	StateExpired
)

// Session is the local record of a server-side detection session. The
// detection count is monotonically non-decreasing while the state is
// Active. A session only becomes Expired in response to a server-reported
// "session not found", never spontaneously.
type Session struct {
	ID             string
	CreatedAt      time.Time
	DetectionCount int
	State          State

	// inflight serializes detect calls for this session so the server's
	// per-session counter semantics hold.
	inflight sync.Mutex
}

// Summary is the server's accounting for an ended session.
type Summary struct {
	SessionID       string  `json:"session_id"`
	TotalDetections int     `json:"total_detections"`
	DurationMs      float64 `json:"duration_ms"`
	Ended           bool    `json:"ended"`
}

// SessionStatus is the live view returned by the summary endpoint.
type SessionStatus struct {
	SessionID      string             `json:"session_id"`
	Started        time.Time          `json:"started"`
	DetectionCount int                `json:"detection_count"`
	Detections     []models.Detection `json:"detections"`
}

// HealthStatus mirrors the service's health endpoint.
type HealthStatus struct {
	Status      string `json:"status"`
	ModelStatus string `json:"model_status"`
	BackendType string `json:"backend_type"`
	DeviceInfo  string `json:"device_info"`
}

// Config wires a Client to a detection service.
type Config struct {
	BaseURL             string
	ConfidenceThreshold float32
	Source              string
	RequestTimeout      time.Duration
	Retry               retry.Policy
	HTTPClient          *http.Client
	Registry            *hazards.Registry
}

// Client owns the lifecycle of remote detection sessions: create, detect,
// end, and recovery from server-side session loss.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry

	mu        sync.Mutex
	sessions  map[string]*Session
	redirects map[string]string
}

// NewClient validates the config and applies defaults: a 10s per-call
// deadline and the default linear-backoff retry policy.
func NewClient(cfg Config, log *logrus.Entry) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("session: BaseURL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = hazards.DefaultThreshold
	}
	if cfg.Source == "" {
		cfg.Source = "live"
	}
	if cfg.Registry == nil {
		cfg.Registry = hazards.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:       cfg,
		http:      cfg.HTTPClient,
		log:       log.WithField("component", "session"),
		sessions:  make(map[string]*Session),
		redirects: make(map[string]string),
	}, nil
}

// StartSession creates a remote session and stores the local record as
// Active. Connection-level failures are retried per the policy before a
// CreationError is surfaced.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"confidence_threshold": c.cfg.ConfidenceThreshold,
		"source":               c.cfg.Source,
	})
	if err != nil {
		return "", err
	}

	type startResp struct {
		SessionID string `json:"session_id"`
	}
	resp, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (startResp, error) {
		return retry.WithTimeout(ctx, c.cfg.RequestTimeout, func(ctx context.Context) (startResp, error) {
			var out startResp
			err := c.postJSON(ctx, "/session/start", body, &out)
			return out, err
		})
	})
	if err != nil {
		return "", &CreationError{Err: err}
	}
	if resp.SessionID == "" {
		return "", &CreationError{Err: fmt.Errorf("empty session_id in response")}
	}

	c.mu.Lock()
	c.sessions[resp.SessionID] = &Session{
		ID:        resp.SessionID,
		CreatedAt: time.Now(),
		State:     StateActive,
	}
	c.mu.Unlock()

	c.log.WithField("session_id", resp.SessionID).Info("session started")
	return resp.SessionID, nil
}

// Detect submits a payload for the session. On a server-reported "session
// not found" the local record is expired, a replacement session is created
// and the call is retried exactly once against it; any further failure is
// surfaced. Validation errors are never retried. At most one detect call is
// in flight per session.
func (c *Client) Detect(ctx context.Context, sessionID string, payload *preprocess.Payload) ([]models.Detection, error) {
	if payload == nil || len(payload.Blob) == 0 {
		return nil, &ValidationError{Message: "payload has no encoded image"}
	}

	sess := c.lookup(sessionID)
	if sess == nil {
		return nil, &NotFoundError{SessionID: sessionID}
	}

	sess.inflight.Lock()
	defer func() { sess.inflight.Unlock() }()

	detections, err := c.doDetect(ctx, sess.ID, payload)
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		c.expire(sess)
		replacementID, startErr := c.StartSession(ctx)
		if startErr != nil {
			return nil, fmt.Errorf("session recovery: %w", startErr)
		}
		c.redirect(sess.ID, replacementID)
		c.log.WithFields(logrus.Fields{
			"expired": sess.ID, "replacement": replacementID,
		}).Warn("session lost, retrying against replacement")

		replacement := c.lookup(replacementID)
		if replacement == nil {
			return nil, &NotFoundError{SessionID: replacementID}
		}
		// Hand over the in-flight slot before the retry so callers already
		// holding the replacement id stay serialized with it.
		sess.inflight.Unlock()
		replacement.inflight.Lock()
		sess = replacement
		detections, err = c.doDetect(ctx, sess.ID, payload)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if sess.State == StateActive {
		sess.DetectionCount += len(detections)
	}
	c.mu.Unlock()

	return detections, nil
}

// EndSession terminates the remote session. A 404 means the server already
// forgot it, which counts as success; the local record is removed either
// way.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*Summary, error) {
	sess := c.lookup(sessionID)
	resolvedID := sessionID
	if sess != nil {
		resolvedID = sess.ID
	}

	type endResp struct {
		Message string  `json:"message"`
		Summary Summary `json:"summary"`
	}
	resp, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (endResp, error) {
		return retry.WithTimeout(ctx, c.cfg.RequestTimeout, func(ctx context.Context) (endResp, error) {
			var out endResp
			err := c.postJSON(ctx, "/session/"+resolvedID+"/end", nil, &out)
			return out, err
		})
	})

	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		resp.Summary = Summary{SessionID: resolvedID, Ended: true}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	c.remove(sessionID, resolvedID)
	c.log.WithField("session_id", resolvedID).Info("session ended")
	return &resp.Summary, nil
}

// Status fetches the live summary for a session.
func (c *Client) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	resolvedID := sessionID
	if sess := c.lookup(sessionID); sess != nil {
		resolvedID = sess.ID
	}
	return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (*SessionStatus, error) {
		return retry.WithTimeout(ctx, c.cfg.RequestTimeout, func(ctx context.Context) (*SessionStatus, error) {
			var out SessionStatus
			if err := c.getJSON(ctx, "/session/"+resolvedID+"/summary", &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	})
}

// Health checks the remote service. Used as the fallback controller's
// probe for the remote tier.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	return retry.WithTimeout(ctx, c.cfg.RequestTimeout, func(ctx context.Context) (*HealthStatus, error) {
		var out HealthStatus
		if err := c.getJSON(ctx, "/health", &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// LocalSession returns a copy of the local record, following any
// replacement redirects.
func (c *Client) LocalSession(sessionID string) (Session, bool) {
	sess := c.lookup(sessionID)
	if sess == nil {
		return Session{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		ID:             sess.ID,
		CreatedAt:      sess.CreatedAt,
		DetectionCount: sess.DetectionCount,
		State:          sess.State,
	}, true
}

func (c *Client) lookup(sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := sessionID
	for i := 0; i < len(c.redirects); i++ {
		next, ok := c.redirects[id]
		if !ok {
			break
		}
		id = next
	}
	return c.sessions[id]
}

func (c *Client) expire(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess.State = StateExpired
}

func (c *Client) redirect(oldID, newID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirects[oldID] = newID
}

func (c *Client) remove(requestedID, resolvedID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[resolvedID]; ok {
		sess.State = StateEnded
	}
	delete(c.sessions, resolvedID)
	delete(c.redirects, requestedID)
}

// apiDetection is the wire shape of one detection in a detect response.
type apiDetection struct {
	ClassName  string     `json:"class_name"`
	Confidence float32    `json:"confidence"`
	BBox       [4]float32 `json:"bbox"`
	CenterX    float32    `json:"center_x"`
	CenterY    float32    `json:"center_y"`
}

type detectResponse struct {
	Success          bool           `json:"success"`
	SessionID        string         `json:"session_id"`
	Detections       []apiDetection `json:"detections"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
}

// doDetect performs one detect call, retrying connection-level failures
// only. Not-found and validation responses pass through unretried.
func (c *Client) doDetect(ctx context.Context, sessionID string, payload *preprocess.Payload) ([]models.Detection, error) {
	resp, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (detectResponse, error) {
		return retry.WithTimeout(ctx, c.cfg.RequestTimeout, func(ctx context.Context) (detectResponse, error) {
			return c.postDetect(ctx, sessionID, payload)
		})
	})
	if err != nil {
		return nil, err
	}

	detections := make([]models.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		det := models.Detection{
			ClassIndex: -1,
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			CenterX:    d.CenterX,
			CenterY:    d.CenterY,
		}
		if class, ok := c.cfg.Registry.ClassByName(d.ClassName); ok {
			det.ClassIndex = class.Index
			det.Color = class.Color
		}
		detections = append(detections, det)
	}
	return detections, nil
}

func (c *Client) postDetect(ctx context.Context, sessionID string, payload *preprocess.Payload) (detectResponse, error) {
	var out detectResponse

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return out, err
	}
	if _, err := part.Write(payload.Blob); err != nil {
		return out, err
	}
	if err := writer.Close(); err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/detect/"+sessionID, &buf)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	if err := c.send(req, sessionID, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, "", out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.send(req, "", out)
}

// send executes a request and maps the response onto the error taxonomy.
func (c *Client) send(req *http.Request, sessionID string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{SessionID: sessionID}
	case resp.StatusCode == http.StatusBadRequest:
		return &ValidationError{Message: apiErrorMessage(data)}
	default:
		return &ServerError{Status: resp.StatusCode, Message: apiErrorMessage(data)}
	}
}

func apiErrorMessage(data []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(data))
}
