package httpapi

import (
	"SafetyDetConsole/dashboard"
	"SafetyDetConsole/detapi"
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/logger"
	"SafetyDetConsole/overlay"
	"SafetyDetConsole/risk"
	"SafetyDetConsole/session"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxUploadBytes = 20 * 1024 * 1024

type HealthChecker interface {
	Health(ctx context.Context) (map[string]any, error)
}

// Deps wires the API to the rest of the console. Only Detector is required.
type Deps struct {
	Detector    iface.Detector
	Source      iface.FrameSource
	Health      HealthChecker
	Dashboard   *dashboard.Dashboard
	Annotate    func(jpeg []byte, ov overlay.Overlay) ([]byte, error)
	History     func(ctx context.Context, sessionID string, limit int) (any, error)
	Observers   []session.Observer
	IdleTimeout time.Duration
	OnSessions  func(n int)
	Log         *zap.Logger
}

type Server struct {
	deps     Deps
	log      *zap.Logger
	registry *registry
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logger.Log()
	}
	if deps.Dashboard == nil {
		deps.Dashboard = dashboard.New(nil, deps.Log)
	}
	s := &Server{
		deps: deps,
		log:  deps.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.registry = newRegistry(deps.IdleTimeout, s.newController, deps.OnSessions, deps.Log)
	s.engine = s.routes()
	return s
}

func (s *Server) newController(id string, push session.Observer) *session.Controller {
	opts := []session.Option{
		session.WithID(id),
		session.WithLogger(s.log),
		session.WithObserver(push),
	}
	for _, o := range s.deps.Observers {
		opts = append(opts, session.WithObserver(o))
	}
	return session.New(s.deps.Detector, s.deps.Source, opts...)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close releases every open session.
func (s *Server) Close() {
	s.registry.releaseAll("server shutting down")
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/backend/health", s.backendHealth)
	r.GET("/api/risk/:level", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": risk.GetRiskConfig(c.Param("level"))})
	})
	r.GET("/api/stats/summary", s.statsSummary)
	r.GET("/api/history", s.history)

	r.POST("/api/sessions", s.createSession)
	r.GET("/api/sessions/:sessionID", s.withSession(s.getSession))
	r.DELETE("/api/sessions/:sessionID", s.releaseSession)
	r.PUT("/api/sessions/:sessionID/mode", s.withSession(s.setMode))
	r.POST("/api/sessions/:sessionID/capture", s.withSession(s.capture))
	r.POST("/api/sessions/:sessionID/detect", s.withSession(s.detect))
	r.GET("/api/sessions/:sessionID/overlay", s.withSession(s.overlay))
	r.GET("/api/sessions/:sessionID/frame.jpg", s.withSession(s.frame))
	r.GET("/ws/:sessionID", s.websocket)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrCapture):
		return http.StatusServiceUnavailable
	case errors.Is(err, detapi.ErrTransport), errors.Is(err, detapi.ErrMalformed), errors.Is(err, session.ErrNoResult):
		return http.StatusBadGateway
	case errors.Is(err, detapi.ErrEmptyImage):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) withSession(h func(*gin.Context, *instance)) gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, err := s.registry.get(c.Param("sessionID"))
		if err != nil {
			abortWith(c, err)
			return
		}
		h(c, inst)
	}
}

// detached lets a detection call outlive the HTTP request that started it.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (s *Server) backendHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backend configured"})
		return
	}
	body, err := s.deps.Health.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": body})
}

func (s *Server) statsSummary(c *gin.Context) {
	summary, src := s.deps.Dashboard.Summary(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"data": summary, "source": src})
}

func (s *Server) history(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	entries, err := s.deps.History(c.Request.Context(), c.Query("session"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (s *Server) createSession(c *gin.Context) {
	inst := s.registry.create()
	c.JSON(http.StatusOK, gin.H{
		"sessionID": inst.id,
		"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, inst.id),
		"timeoutMs": s.deps.IdleTimeout.Milliseconds(),
		"mode":      inst.ctrl.Mode(),
	})
}

func (s *Server) getSession(c *gin.Context, inst *instance) {
	c.JSON(http.StatusOK, gin.H{"data": inst.ctrl.Snapshot()})
}

func (s *Server) releaseSession(c *gin.Context) {
	if !s.registry.release(c.Param("sessionID"), "released by client") {
		abortWith(c, ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Session released"})
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) setMode(c *gin.Context, inst *instance) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst.ctrl.SetMode(mode)
	c.JSON(http.StatusOK, gin.H{"data": inst.ctrl.Snapshot()})
}

func (s *Server) capture(c *gin.Context, inst *instance) {
	snap, err := inst.ctrl.Capture(detached(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

func (s *Server) detect(c *gin.Context, inst *instance) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty file"})
		return
	}
	frame := iface.Frame{Data: data, MimeType: file.Header.Get("Content-Type")}
	snap, err := inst.ctrl.Submit(detached(c), frame)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

func (s *Server) overlay(c *gin.Context, inst *instance) {
	w, h := 0, 0
	if f, ok := inst.ctrl.LastFrame(); ok {
		w, h = f.Width, f.Height
	}
	var err error
	if v := c.Query("width"); v != "" {
		if w, err = strconv.Atoi(v); err != nil || w < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid width"})
			return
		}
	}
	if v := c.Query("height"); v != "" {
		if h, err = strconv.Atoi(v); err != nil || h < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid height"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": inst.ctrl.Overlay(w, h)})
}

// frame serves the last analysed frame with the overlay drawn on it, or the
// backend-annotated image when no local frame is kept.
func (s *Server) frame(c *gin.Context, inst *instance) {
	f, ok := inst.ctrl.LastFrame()
	if !ok {
		img, err := inst.ctrl.AnnotatedImage()
		if err != nil || len(img) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no frame analysed yet"})
			return
		}
		c.Data(http.StatusOK, "image/jpeg", img)
		return
	}
	if s.deps.Annotate == nil {
		c.Data(http.StatusOK, f.MimeType, f.Data)
		return
	}
	out, err := s.deps.Annotate(f.Data, inst.ctrl.Overlay(f.Width, f.Height))
	if err != nil {
		s.log.Warn("annotate frame failed", zap.String("session", inst.id), zap.Error(err))
		c.Data(http.StatusOK, f.MimeType, f.Data)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", out)
}

func (s *Server) websocket(c *gin.Context) {
	inst, err := s.registry.get(c.Param("sessionID"))
	if err != nil {
		abortWith(c, err)
		return
	}
	inst.mu.Lock()
	taken := inst.wsTaken
	inst.wsTaken = true
	inst.mu.Unlock()
	if taken {
		c.JSON(http.StatusConflict, gin.H{"error": "session already has a websocket"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		inst.mu.Lock()
		inst.wsTaken = false
		inst.mu.Unlock()
		return
	}
	conn.SetReadLimit(maxUploadBytes)
	inst.mu.Lock()
	inst.conn = conn
	inst.mu.Unlock()

	go s.writeLoop(inst, conn)
	s.readLoop(inst, conn)
}

func (s *Server) writeLoop(inst *instance, conn *websocket.Conn) {
	for {
		select {
		case <-inst.cancelTimer:
			return
		case msg := <-inst.send:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Warn("websocket write failed", zap.String("session", inst.id), zap.Error(err))
				return
			}
		}
	}
}

// readLoop accepts "capture" to trigger the camera, or a base64 image
// (optionally a data URL) to analyse. Results reach the client through the
// session observer.
func (s *Server) readLoop(inst *instance, conn *websocket.Conn) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.registry.release(inst.id, "websocket closed")
			s.log.Info("connection closed", zap.String("session", inst.id), zap.Error(err))
			return
		}
		inst.touch()
		if mt != websocket.TextMessage {
			inst.push([]byte(`{"error":"unsupported message type"}`))
			continue
		}
		text := strings.TrimSpace(string(msg))
		ctx := context.Background()
		if text == "capture" {
			go func() {
				_, err := inst.ctrl.Capture(ctx)
				pushBusy(inst, err)
			}()
			continue
		}
		data, err := decodeImage(text)
		if err != nil || len(data) == 0 {
			inst.push([]byte(`{"error":"invalid image"}`))
			continue
		}
		go func() {
			_, err := inst.ctrl.Submit(ctx, iface.Frame{Data: data, MimeType: "image/jpeg"})
			pushBusy(inst, err)
		}()
	}
}

// pushBusy reports rejected triggers, which produce no session event.
func pushBusy(inst *instance, err error) {
	if errors.Is(err, session.ErrBusy) {
		inst.push([]byte(`{"error":"detection already in progress"}`))
	}
}

func decodeImage(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}
