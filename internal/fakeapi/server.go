package fakeapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/GriffinCanCode/runtrace/internal/api/middleware"
	"github.com/GriffinCanCode/runtrace/internal/backend"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/ingest"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = sonic.ConfigStd

// Options configures the fake API.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	// Gatherer, when set, is served at /metrics.
	Gatherer prometheus.Gatherer
	// RateLimit, when set, answers 429 with Retry-After past the limit.
	RateLimit *middleware.RateLimitConfig
	// APIKey, when set, is required on every request.
	APIKey string
}

// Fault is one injected response.
type Fault struct {
	Status     int
	RetryAfter string
}

// Server is an in-memory stand-in for the tracing backend.
type Server struct {
	router *gin.Engine
	store  *store
	logger *zap.Logger

	mu       sync.Mutex
	faults   map[string][]Fault
	requests map[string]int
}

// New builds the router and an empty store.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		store:    newStore(),
		logger:   logging.OrNop(opts.Logger).Named("fakeapi"),
		faults:   make(map[string][]Fault),
		requests: make(map[string]int),
	}

	r := s.router
	r.Use(gin.Recovery())
	r.Use(monitoring.Middleware(opts.Metrics))
	r.Use(middleware.CORS())
	if opts.RateLimit != nil {
		r.Use(middleware.RateLimit(*opts.RateLimit))
	}
	if opts.APIKey != "" {
		r.Use(requireKey(opts.APIKey))
	}
	r.Use(s.countAndFault)

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	r.POST("/runs/batch", s.postBatch)
	r.POST("/runs/multipart", s.postMultipart)
	r.POST("/runs/:id/attachments", s.postAttachments)
	r.GET("/runs/:id", s.getRun)
	r.GET("/attachments/:id/:name", s.getAttachment)

	r.GET("/datasets", s.listDatasets)
	r.GET("/examples", s.listExamples)

	r.GET("/sessions", s.listProjects)
	r.POST("/sessions", s.createProject)
	r.PATCH("/sessions/:id", s.updateProject)

	r.POST("/feedback", s.createFeedback)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ============================================================================
// Test Controls
// ============================================================================

// InjectFaults queues responses for route, a gin path such as
// "/runs/batch". Each request to the route consumes one fault until none
// are left.
func (s *Server) InjectFaults(route string, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = append(s.faults[route], faults...)
}

// Requests returns how many requests reached route, faults included.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// SeedDataset creates a dataset whose examples have the given inputs and,
// optionally, reference outputs.
func (s *Server) SeedDataset(name string, inputs []map[string]any, outputs []map[string]any) *backend.Dataset {
	return s.store.seedDataset(name, inputs, outputs)
}

// Runs returns every stored run sorted by dotted order.
func (s *Server) Runs() []backend.Run { return s.store.allRuns() }

// Run returns one stored run.
func (s *Server) Run(id uuid.UUID) (backend.Run, bool) { return s.store.run(id, "") }

// Orphans returns creates that arrived before their parent.
func (s *Server) Orphans() []uuid.UUID { return s.store.orphanIDs() }

// Feedback returns all recorded feedback.
func (s *Server) Feedback() []backend.Feedback { return s.store.allFeedback() }

// Projects returns all projects by start time.
func (s *Server) Projects() []backend.Project { return s.store.allProjects() }

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) countAndFault(c *gin.Context) {
	route := c.FullPath()

	s.mu.Lock()
	s.requests[route]++
	var fault *Fault
	if queue := s.faults[route]; len(queue) > 0 {
		f := queue[0]
		s.faults[route] = queue[1:]
		fault = &f
	}
	s.mu.Unlock()

	if fault == nil {
		c.Next()
		return
	}
	if fault.RetryAfter != "" {
		c.Header("Retry-After", fault.RetryAfter)
	}
	c.AbortWithStatusJSON(fault.Status, gin.H{"error": "injected fault"})
}

func requireKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("x-api-key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// ============================================================================
// Runs
// ============================================================================

func (s *Server) postBatch(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	var batch ingest.BatchBody
	if err := json.Unmarshal(body, &batch); err != nil {
		badRequest(c, fmt.Errorf("decode batch: %w", err))
		return
	}
	s.ingest(c, batch.Post, batch.Patch)
}

func (s *Server) postMultipart(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	parts, err := readParts(body, c.GetHeader("Content-Type"))
	if err != nil {
		badRequest(c, err)
		return
	}

	var posts, patches []*runtree.Payload
	byKey := make(map[string]*runtree.Payload)
	type pendingAttachment struct {
		runID      uuid.UUID
		name, mime string
		data       []byte
	}
	var atts []pendingAttachment

	// main parts first so field parts have something to attach to
	for _, p := range parts {
		kind, rest, _ := strings.Cut(p.name, ".")
		if kind != "post" && kind != "patch" || strings.Contains(rest, ".") {
			continue
		}
		var payload runtree.Payload
		if err := json.Unmarshal(p.data, &payload); err != nil {
			badRequest(c, fmt.Errorf("decode part %s: %w", p.name, err))
			return
		}
		byKey[p.name] = &payload
		if kind == "post" {
			posts = append(posts, &payload)
		} else {
			patches = append(patches, &payload)
		}
	}
	for _, p := range parts {
		kind, rest, _ := strings.Cut(p.name, ".")
		switch kind {
		case "post", "patch":
			runKey, field, ok := strings.Cut(rest, ".")
			if !ok {
				continue
			}
			payload := byKey[kind+"."+runKey]
			if payload == nil {
				badRequest(c, fmt.Errorf("part %s has no run part", p.name))
				return
			}
			var m map[string]any
			if err := json.Unmarshal(p.data, &m); err != nil {
				badRequest(c, fmt.Errorf("decode part %s: %w", p.name, err))
				return
			}
			switch field {
			case "inputs":
				payload.Inputs = m
			case "outputs":
				payload.Outputs = m
			}
		case "attachment":
			runKey, name, ok := strings.Cut(rest, ".")
			runID, err := uuid.Parse(runKey)
			if !ok || err != nil {
				badRequest(c, fmt.Errorf("bad attachment part %q", p.name))
				return
			}
			atts = append(atts, pendingAttachment{runID: runID, name: name, mime: p.contentType, data: p.data})
		}
	}

	if !s.ingest(c, posts, patches) {
		return
	}
	for _, a := range atts {
		s.store.attach(a.runID, a.name, a.mime, a.data)
	}
}

// ingest validates and applies one request. It writes the response and
// reports whether the request was accepted.
func (s *Server) ingest(c *gin.Context, posts, patches []*runtree.Payload) bool {
	for _, p := range append(append([]*runtree.Payload{}, posts...), patches...) {
		if p.ID == uuid.Nil || p.TraceID == uuid.Nil || p.DottedOrder == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "run id, trace id and dotted order are required"})
			return false
		}
		if _, err := runtree.ParseDottedOrder(p.DottedOrder); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return false
		}
	}
	if missing := s.store.unknownPatches(posts, patches); len(missing) > 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "patch for unknown run", "run_ids": missing})
		return false
	}

	s.store.apply(posts, patches)
	s.logger.Debug("ingested runs", zap.Int("post", len(posts)), zap.Int("patch", len(patches)))
	c.JSON(http.StatusAccepted, gin.H{"post": len(posts), "patch": len(patches)})
	return true
}

func (s *Server) postAttachments(c *gin.Context) {
	runID, ok := parseID(c)
	if !ok {
		return
	}
	if !s.store.hasRun(runID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err)
		return
	}
	parts, err := readParts(body, c.GetHeader("Content-Type"))
	if err != nil {
		badRequest(c, err)
		return
	}
	for _, p := range parts {
		s.store.attach(runID, p.name, p.contentType, p.data)
	}
	c.JSON(http.StatusAccepted, gin.H{"attachments": len(parts)})
}

func (s *Server) getRun(c *gin.Context) {
	runID, ok := parseID(c)
	if !ok {
		return
	}
	run, found := s.store.run(runID, baseURL(c.Request))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) getAttachment(c *gin.Context) {
	runID, ok := parseID(c)
	if !ok {
		return
	}
	a, found := s.store.attachment(runID, c.Param("name"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
		return
	}
	c.Data(http.StatusOK, a.mimeType, a.data)
}

// ============================================================================
// Datasets, Projects, Feedback
// ============================================================================

func (s *Server) listDatasets(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.datasetsNamed(c.Query("name")))
}

func (s *Server) listExamples(c *gin.Context) {
	datasetID, err := uuid.Parse(c.Query("dataset"))
	if err != nil {
		badRequest(c, fmt.Errorf("dataset: %w", err))
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if offset < 0 || limit <= 0 {
		badRequest(c, errors.New("offset must be >= 0 and limit > 0"))
		return
	}
	c.JSON(http.StatusOK, s.store.examplePage(datasetID, offset, limit))
}

func (s *Server) listProjects(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.allProjects())
}

func (s *Server) createProject(c *gin.Context) {
	var p backend.Project
	if err := bindJSON(c, &p); err != nil {
		badRequest(c, err)
		return
	}
	if p.Name == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "name is required"})
		return
	}
	c.JSON(http.StatusOK, s.store.createProject(p))
}

func (s *Server) updateProject(c *gin.Context) {
	projectID, ok := parseID(c)
	if !ok {
		return
	}
	var u backend.ProjectUpdate
	if err := bindJSON(c, &u); err != nil {
		badRequest(c, err)
		return
	}
	p, found := s.store.updateProject(projectID, u)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) createFeedback(c *gin.Context) {
	var fb backend.Feedback
	if err := bindJSON(c, &fb); err != nil {
		badRequest(c, err)
		return
	}
	if fb.Key == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "key is required"})
		return
	}
	if !s.store.hasRun(fb.RunID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "run_id": fb.RunID})
		return
	}
	c.JSON(http.StatusOK, s.store.addFeedback(fb))
}

// ============================================================================
// Helpers
// ============================================================================

type part struct {
	name        string
	contentType string
	data        []byte
}

// readBody reads the request body, undoing zstd content encoding.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	switch enc := c.GetHeader("Content-Encoding"); enc {
	case "", "identity":
		return body, nil
	case ingest.EncodingZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

func readParts(body []byte, contentType string) ([]part, error) {
	media, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(media, "multipart/") {
		return nil, fmt.Errorf("expected multipart body, got %q", contentType)
	}
	r := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	var parts []part
	for {
		p, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part{name: p.FormName(), contentType: p.Header.Get("Content-Type"), data: data})
	}
}

func bindJSON(c *gin.Context, v any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, fmt.Errorf("id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
