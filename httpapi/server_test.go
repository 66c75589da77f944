package httpapi

import (
	"SafetyDetConsole/detapi"
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/overlay"
	"SafetyDetConsole/session"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDetector struct {
	mu      sync.Mutex
	err     error
	images  [][]byte
	entered chan struct{}
	release chan struct{}
}

func (f *fakeDetector) DetectPPE(ctx context.Context, image []byte) (*iface.DetectionResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, image)
	if f.err != nil {
		return nil, f.err
	}
	return &iface.DetectionResult{
		Detections: []iface.Detection{{ClassName: "helmet", Confidence: 0.951, BBox: iface.BBox{X1: 10, Y1: 10, X2: 50, Y2: 50}}},
		Compliance: iface.ComplianceAssessment{
			ComplianceRate: 33.3,
			DetectedPPE:    []string{"helmet"},
			MissingPPE:     []string{"vest", "shoes"},
			HazardLevel:    iface.HazardHigh,
			AlertMessage:   "Missing: vest, shoes",
			HasWorker:      true,
		},
		TotalDetections: 1,
	}, nil
}

func (f *fakeDetector) DetectSTF(ctx context.Context, image []byte) (*iface.HazardResult, error) {
	return &iface.HazardResult{Hazards: []iface.STFHazard{}, RiskLevel: "Low", Recommendation: "none"}, nil
}

type fakeSource struct{ err error }

func (s fakeSource) Capture() (iface.Frame, error) {
	if s.err != nil {
		return iface.Frame{}, s.err
	}
	return iface.Frame{Data: []byte{0xff, 0xd8, 0xff}, MimeType: "image/jpeg", Width: 640, Height: 480}, nil
}

type fakeHealth struct{ err error }

func (h fakeHealth) Health(context.Context) (map[string]any, error) {
	if h.err != nil {
		return nil, h.err
	}
	return map[string]any{"status": "ok"}, nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Detector == nil {
		deps.Detector = &fakeDetector{}
	}
	deps.Log = zap.NewNop()
	s := New(deps)
	t.Cleanup(s.Close)
	return s
}

func do(s *Server, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, s *Server) string {
	t.Helper()
	rec := do(s, http.MethodPost, "/api/sessions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		SessionID string `json:"sessionID"`
		WsURL     string `json:"wsURL"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.SessionID)
	assert.True(t, strings.HasSuffix(out.WsURL, "/ws/"+out.SessionID))
	return out.SessionID
}

type snapshotEnvelope struct {
	Data  session.Snapshot `json:"data"`
	Error string           `json:"error"`
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var env snapshotEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

func TestPing(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := do(s, http.MethodGet, "/api/ping", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
}

func TestSessionLifecycle(t *testing.T) {
	var counts []int
	var mu sync.Mutex
	s := newTestServer(t, Deps{
		Source: fakeSource{},
		OnSessions: func(n int) {
			mu.Lock()
			counts = append(counts, n)
			mu.Unlock()
		},
	})
	id := createSession(t, s)

	rec := do(s, http.MethodGet, "/api/sessions/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Equal(t, "idle", snap.State)
	assert.Equal(t, session.ModePPE, snap.Mode)

	rec = do(s, http.MethodPost, "/api/sessions/"+id+"/capture", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decodeSnapshot(t, rec)
	assert.Equal(t, 1, snap.Stats.TotalScans)
	assert.Equal(t, 1, snap.Stats.Violations)
	assert.InDelta(t, 33.3, snap.Stats.AvgCompliance, 1e-9)
	require.Len(t, snap.RecentEvents, 1)
	assert.Equal(t, "Missing: vest, shoes", snap.RecentEvents[0].Message)

	rec = do(s, http.MethodDelete, "/api/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(s, http.MethodGet, "/api/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(s, http.MethodDelete, "/api/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	mu.Lock()
	assert.Equal(t, []int{1, 0}, counts)
	mu.Unlock()
}

func TestCaptureErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		det    *fakeDetector
		source iface.FrameSource
		want   int
	}{
		{"transport", &fakeDetector{err: fmt.Errorf("%w: status 500", detapi.ErrTransport)}, fakeSource{}, http.StatusBadGateway},
		{"malformed", &fakeDetector{err: fmt.Errorf("%w: missing compliance", detapi.ErrMalformed)}, fakeSource{}, http.StatusBadGateway},
		{"camera", &fakeDetector{}, fakeSource{err: errors.New("no device")}, http.StatusServiceUnavailable},
		{"no camera", &fakeDetector{}, nil, http.StatusServiceUnavailable},
		{"other", &fakeDetector{err: errors.New("boom")}, fakeSource{}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Deps{Detector: tt.det, Source: tt.source})
			id := createSession(t, s)
			rec := do(s, http.MethodPost, "/api/sessions/"+id+"/capture", nil, "")
			assert.Equal(t, tt.want, rec.Code)

			snap := decodeSnapshot(t, do(s, http.MethodGet, "/api/sessions/"+id, nil, ""))
			assert.Zero(t, snap.Stats.TotalScans)
			assert.Equal(t, "idle", snap.State)
		})
	}
}

func TestCaptureWhileBusyIsConflict(t *testing.T) {
	det := &fakeDetector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestServer(t, Deps{Detector: det, Source: fakeSource{}})
	id := createSession(t, s)

	done := make(chan int, 1)
	go func() {
		done <- do(s, http.MethodPost, "/api/sessions/"+id+"/capture", nil, "").Code
	}()
	<-det.entered

	rec := do(s, http.MethodPost, "/api/sessions/"+id+"/capture", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	snap := decodeSnapshot(t, do(s, http.MethodGet, "/api/sessions/"+id, nil, ""))
	assert.Equal(t, "detecting", snap.State)

	close(det.release)
	assert.Equal(t, http.StatusOK, <-done)
	snap = decodeSnapshot(t, do(s, http.MethodGet, "/api/sessions/"+id, nil, ""))
	assert.Equal(t, 1, snap.Stats.TotalScans)
}

func multipartBody(t *testing.T, field string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "frame.jpg")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestDetectUpload(t *testing.T) {
	det := &fakeDetector{}
	s := newTestServer(t, Deps{Detector: det})
	id := createSession(t, s)

	body, ct := multipartBody(t, "file", []byte("jpeg-bytes"))
	rec := do(s, http.MethodPost, "/api/sessions/"+id+"/detect", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeSnapshot(t, rec).Stats.TotalScans)
	require.Len(t, det.images, 1)
	assert.Equal(t, []byte("jpeg-bytes"), det.images[0])

	body, ct = multipartBody(t, "image", []byte("jpeg-bytes"))
	rec = do(s, http.MethodPost, "/api/sessions/"+id+"/detect", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, "file", nil)
	rec = do(s, http.MethodPost, "/api/sessions/"+id+"/detect", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, det.images, 1)
}

func TestSetMode(t *testing.T) {
	s := newTestServer(t, Deps{Source: fakeSource{}})
	id := createSession(t, s)

	rec := do(s, http.MethodPut, "/api/sessions/"+id+"/mode", []byte(`{"mode":"laser"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(s, http.MethodPut, "/api/sessions/"+id+"/mode", []byte(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPut, "/api/sessions/"+id+"/mode", []byte(`{"mode":"stf"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.ModeSTF, decodeSnapshot(t, rec).Mode)

	rec = do(s, http.MethodPost, "/api/sessions/"+id+"/capture", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	require.NotNil(t, snap.LastHazard)
	assert.Zero(t, snap.Stats.TotalScans)
}

func TestOverlayAndFrame(t *testing.T) {
	var annotated atomic.Int32
	s := newTestServer(t, Deps{
		Source: fakeSource{},
		Annotate: func(jpeg []byte, ov overlay.Overlay) ([]byte, error) {
			annotated.Add(1)
			return append([]byte("annotated:"), jpeg...), nil
		},
	})
	id := createSession(t, s)

	rec := do(s, http.MethodGet, "/api/sessions/"+id+"/frame.jpg", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/api/sessions/"+id+"/capture", nil, "").Code)

	rec = do(s, http.MethodGet, "/api/sessions/"+id+"/overlay?width=320&height=240", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data overlay.Overlay `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 320, env.Data.Width)
	assert.Equal(t, overlay.ColorHigh, env.Data.Color)
	require.Len(t, env.Data.Annotations, 1)
	assert.Equal(t, "helmet: 95.1%", env.Data.Annotations[0].Label)

	rec = do(s, http.MethodGet, "/api/sessions/"+id+"/overlay", nil, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 640, env.Data.Width)
	assert.Equal(t, 480, env.Data.Height)

	rec = do(s, http.MethodGet, "/api/sessions/"+id+"/overlay?width=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodGet, "/api/sessions/"+id+"/frame.jpg", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("annotated:")))
	assert.Equal(t, int32(1), annotated.Load())
}

func TestRiskStatsAndHealth(t *testing.T) {
	s := newTestServer(t, Deps{Health: fakeHealth{}})

	rec := do(s, http.MethodGet, "/api/risk/Critical", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"color":"green"`)

	rec = do(s, http.MethodGet, "/api/stats/summary", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"sample"`)
	assert.Contains(t, rec.Body.String(), `"total_inspections":1247`)

	rec = do(s, http.MethodGet, "/api/backend/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, Deps{Health: fakeHealth{err: detapi.ErrTransport}})
	rec = do(down, http.MethodGet, "/api/backend/health", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(down, http.MethodGet, "/api/history", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	var gotSession string
	var gotLimit int
	s := newTestServer(t, Deps{History: func(ctx context.Context, sessionID string, limit int) (any, error) {
		gotSession, gotLimit = sessionID, limit
		return []string{"entry"}, nil
	}})
	rec := do(s, http.MethodGet, "/api/history?session=abc&limit=3", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":["entry"]}`, rec.Body.String())
	assert.Equal(t, "abc", gotSession)
	assert.Equal(t, 3, gotLimit)
}

func TestIdleSessionReleased(t *testing.T) {
	s := newTestServer(t, Deps{IdleTimeout: 50 * time.Millisecond})
	id := createSession(t, s)
	assert.Equal(t, 1, s.registry.count())

	assert.Eventually(t, func() bool { return s.registry.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	rec := do(s, http.MethodGet, "/api/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocketPushesSnapshots(t *testing.T) {
	s := newTestServer(t, Deps{Source: fakeSource{}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	id := createSession(t, s)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Error(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("capture")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var push pushMessage
	require.NoError(t, json.Unmarshal(msg, &push))
	assert.Equal(t, session.EventPPE, push.Type)
	assert.Equal(t, id, push.Snapshot.SessionID)
	assert.Equal(t, 1, push.Snapshot.Stats.TotalScans)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("!!not base64!!")))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"invalid image"}`, string(msg))

	require.True(t, s.registry.release(id, "test"))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(session.ErrBusy))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("%w: x", session.ErrCapture)))
	assert.Equal(t, http.StatusBadGateway, statusFor(detapi.ErrMalformed))
	assert.Equal(t, http.StatusBadRequest, statusFor(detapi.ErrEmptyImage))
	assert.Equal(t, http.StatusNotFound, statusFor(ErrSessionNotFound))
}
