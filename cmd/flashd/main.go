// flashd exposes a local-only HTTP status/control surface over a
// running flashing session: status, device-variable dump, and
// progress polling, so a separate UI process (or curl) can observe a
// flash in progress without sharing the transport handle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"flashkit/internal/config"
	"flashkit/internal/progress"
	"flashkit/internal/session"
)

var (
	port = flag.Int("port", 8910, "local control server port")
)

// Server exposes one active session's status/progress to local HTTP
// clients. Only a single session is tracked at a time; flashd is meant
// to sit next to one flashctl invocation, not a fleet.
type Server struct {
	mu       sync.Mutex
	sess     *session.Session
	progress progress.Progress
	started  time.Time
	failed   string
}

func NewServer() *Server {
	return &Server{}
}

// Attach registers the session flashd will report on.
func (s *Server) Attach(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
	s.started = time.Now()
	s.failed = ""
}

// ReportProgress is a progress.Listener that records the latest update
// for the /status endpoint. Nothing in this binary attaches a session
// or calls it; main serves with no session attached.
func (s *Server) ReportProgress(p progress.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = p
}

func (s *Server) ReportFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = err.Error()
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		c.JSON(http.StatusOK, gin.H{"attached": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attached":     true,
		"family":       s.sess.Family.String(),
		"started_at":   s.started,
		"bytes_sent":   s.progress.BytesSent,
		"total_bytes":  s.progress.TotalBytes,
		"bytes_per_sec": s.progress.BytesPerSec,
		"failed":       s.failed,
	})
}

func (s *Server) handleVars(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session attached"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vars": s.sess.Vars})
}

func (s *Server) handleCancel(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session attached"})
		return
	}
	s.sess.Cancel.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func runAPIServer(srv *Server) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", srv.handleHealth)
		api.GET("/status", srv.handleStatus)
		api.GET("/vars", srv.handleVars)
		api.POST("/cancel", srv.handleCancel)
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("flashd listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("flashd server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down flashd...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("flashd shutdown error: %v", err)
	}
}

func main() {
	flag.Parse()
	if _, err := config.LoadSessionConfig(); err != nil {
		log.Fatalf("load config: %v", err)
	}
	srv := NewServer()
	runAPIServer(srv)
}
