// Package orchestratortest provides an in-memory orchestration service for
// tests.
package orchestratortest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/BDNK1/steprunner/runtime"
)

// Call is one status update received by the server. Step is -1 for job
// updates.
type Call struct {
	ExecutionID string
	Job         string
	Step        int
	Status      runtime.Status
	Outcome     runtime.Status
	Outputs     map[string]any
}

// Server records status updates. Set FailWith to answer every request with
// that status code instead.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []Call
	requests int
	failWith int
}

func NewServer() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{}

	g := gin.New()
	g.Use(s.count)
	g.POST("/workflow-executions/:execution/jobs/:job/update-status", s.jobStatus)
	g.POST("/workflow-executions/:execution/jobs/:job/steps/:index/update-status", s.stepStatus)
	s.Server = httptest.NewServer(g)
	return s
}

// FailWith makes every following request fail with code.
func (s *Server) FailWith(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = code
}

// Calls returns the updates received so far, in order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Requests returns how many requests arrived, including failed ones.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) count(c *gin.Context) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) failing(c *gin.Context) bool {
	s.mu.Lock()
	code := s.failWith
	s.mu.Unlock()
	if code == 0 {
		return false
	}
	c.JSON(code, gin.H{"message": "failing on purpose"})
	return true
}

func (s *Server) record(call Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *Server) jobStatus(c *gin.Context) {
	if s.failing(c) {
		return
	}
	var update runtime.JobStatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.record(Call{
		ExecutionID: c.Param("execution"),
		Job:         c.Param("job"),
		Step:        -1,
		Status:      update.Status,
		Outcome:     update.Outcome,
		Outputs:     update.Outputs,
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) stepStatus(c *gin.Context) {
	if s.failing(c) {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid step index"})
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	var status string
	if err := json.Unmarshal(data, &status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "body must be a JSON string"})
		return
	}
	s.record(Call{
		ExecutionID: c.Param("execution"),
		Job:         c.Param("job"),
		Step:        index,
		Status:      runtime.Status(status),
	})
	c.Status(http.StatusNoContent)
}
