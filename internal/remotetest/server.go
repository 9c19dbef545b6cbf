// Package remotetest runs an in-process fake of the processing service API
// with per-step failure injection.
package remotetest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// Steps that can be failed or slowed down.
const (
	Presign  = "presign"
	Transfer = "transfer"
	Complete = "complete"
)

// Failure makes the next Times calls of a step answer with Status and Body.
// Times < 0 fails every call.
type Failure struct {
	Status int
	Body   string
	Times  int
}

// Registration is a job the fake registered.
type Registration struct {
	JobID       string
	Fingerprint string
}

// Server is the fake API. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	calls      map[string]int
	failures   map[string]*Failure
	delays     map[string]time.Duration
	tokens     map[string]string
	uploads    map[string][]byte
	registered []Registration
	resultsURL string
	nextJob    int
}

// New starts a fake and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		calls:    make(map[string]int),
		failures: make(map[string]*Failure),
		delays:   make(map[string]time.Duration),
		tokens:   make(map[string]string),
		uploads:  make(map[string][]byte),
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/api/upload/presign", s.handlePresign)
	router.PUT("/storage/:job", s.handleTransfer)
	router.POST("/api/upload/complete", s.handleComplete)

	s.Server = httptest.NewServer(router)
	t.Cleanup(s.Close)
	return s
}

// Fail injects a failure for step.
func (s *Server) Fail(step string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[step] = &f
}

// Delay makes every call of step wait d before answering.
func (s *Server) Delay(step string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[step] = d
}

// SetResultsURL makes complete answer with an explicit results URL.
func (s *Server) SetResultsURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultsURL = u
}

// Calls returns how many requests step received, failed ones included.
func (s *Server) Calls(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[step]
}

// Uploaded returns the bytes stored for a job.
func (s *Server) Uploaded(jobID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploads[jobID]
	return b, ok
}

// Registered returns every completed job in order.
func (s *Server) Registered() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Registration(nil), s.registered...)
}

// enter counts the call, applies the delay and reports an injected failure.
func (s *Server) enter(c *gin.Context, step string) bool {
	s.mu.Lock()
	s.calls[step]++
	delay := s.delays[step]
	var fail *Failure
	if f := s.failures[step]; f != nil && f.Times != 0 {
		if f.Times > 0 {
			f.Times--
		}
		fail = f
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			c.AbortWithStatus(http.StatusRequestTimeout)
			return false
		}
	}
	if fail != nil {
		c.Data(fail.Status, "text/plain; charset=utf-8", []byte(fail.Body))
		return false
	}
	return true
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

type presignRequest struct {
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint"`
	ContentType string `json:"content_type"`
}

func (s *Server) handlePresign(c *gin.Context) {
	if !s.enter(c, Presign) {
		return
	}
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Size <= 0 || req.Fingerprint == "" {
		fail(c, http.StatusBadRequest, "size and fingerprint are required")
		return
	}

	s.mu.Lock()
	s.nextJob++
	jobID := fmt.Sprintf("job-%d", s.nextJob)
	token := fmt.Sprintf("token-%d", s.nextJob)
	s.tokens[jobID] = token
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"upload_url":   "/storage/" + jobID,
			"upload_token": token,
			"job_id":       jobID,
		},
	})
}

func (s *Server) handleTransfer(c *gin.Context) {
	if !s.enter(c, Transfer) {
		return
	}
	if ct := c.GetHeader("Content-Type"); ct != "application/zip" {
		c.String(http.StatusUnsupportedMediaType, "unexpected content type %q", ct)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}
	if c.Request.ContentLength >= 0 && int64(len(body)) != c.Request.ContentLength {
		c.String(http.StatusBadRequest, "short body")
		return
	}

	s.mu.Lock()
	s.uploads[c.Param("job")] = body
	s.mu.Unlock()
	c.Status(http.StatusOK)
}

type completeRequest struct {
	JobID       string `json:"job_id"`
	Fingerprint string `json:"fingerprint"`
	UploadToken string `json:"upload_token"`
}

func (s *Server) handleComplete(c *gin.Context) {
	if !s.enter(c, Complete) {
		return
	}
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[req.JobID] == "" || s.tokens[req.JobID] != req.UploadToken {
		fail(c, http.StatusForbidden, "upload token does not match job")
		return
	}
	body, ok := s.uploads[req.JobID]
	if !ok {
		fail(c, http.StatusConflict, "nothing uploaded for job")
		return
	}
	sum := sha256.Sum256(body)
	if want := "sha256:" + hex.EncodeToString(sum[:]); req.Fingerprint != want {
		fail(c, http.StatusUnprocessableEntity, "fingerprint mismatch")
		return
	}

	// Registering the same job twice is a no-op.
	seen := false
	for _, r := range s.registered {
		if r.JobID == req.JobID {
			seen = true
			break
		}
	}
	if !seen {
		s.registered = append(s.registered, Registration{JobID: req.JobID, Fingerprint: req.Fingerprint})
	}

	data := gin.H{"job_id": req.JobID, "status": "processing"}
	if s.resultsURL != "" {
		data["results_url"] = s.resultsURL
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
