package httpapi

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailwatch/internal/auth"
	"github.com/Martian-dev/mailwatch/internal/mailbox"
	mailsync "github.com/Martian-dev/mailwatch/internal/sync"
)

// Handshake verifies callback state and trades the code for a credential.
// *auth.Flow implements it.
type Handshake interface {
	UserFromState(state string) (mailbox.UserID, error)
	Exchange(ctx context.Context, code string) (*auth.Credential, error)
}

// Credentials stores a new credential and hands out its token source.
// *auth.Manager implements it.
type Credentials interface {
	Save(ctx context.Context, user mailbox.UserID, cred *auth.Credential) error
	TokenSource(ctx context.Context, user mailbox.UserID) (oauth2.TokenSource, error)
}

type CursorWriter interface {
	SaveCursor(ctx context.Context, user mailbox.UserID, cursor mailbox.Cursor, status string) error
}

// StatusSource exposes the sync loop's last report. *sync.Manager implements it.
type StatusSource interface {
	LastReport() (mailsync.Report, bool)
	Passes() int
}

// BreakerState reports the gateway's circuit breaker. *gmail.Adapter implements it.
type BreakerState interface {
	State() gobreaker.State
}

// Backlog counts outbox events not yet published.
type Backlog interface {
	PendingCount(ctx context.Context) (int, error)
}

type BusState interface {
	Connected() bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Messenger tells a user their mailbox is connected. Optional.
type Messenger interface {
	Send(ctx context.Context, user mailbox.UserID, text string) error
}

// Deps wires the server. Status, Breaker, Outbox, Bus and Messenger may be
// nil; /status leaves out what is not configured.
type Deps struct {
	Handshake   Handshake
	Credentials Credentials
	Cursors     CursorWriter
	Gateway     mailbox.Gateway
	Status      StatusSource
	Breaker     BreakerState
	Outbox      Backlog
	Bus         BusState
	DB          Pinger
	Messenger   Messenger
	Log         logrus.FieldLogger
}

const shutdownTimeout = 5 * time.Second

type Server struct {
	Deps
	engine *gin.Engine
	srv    *http.Server
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:Arial,sans-serif;text-align:center;padding:50px;background:#f5f5f5}
.box{background:#fff;padding:30px;border-radius:10px;display:inline-block}
h1.ok{color:#34A853}h1.err{color:#d93025}</style></head>
<body><div class="box">
<h1 class="{{if .OK}}ok{{else}}err{{end}}">{{.Title}}</h1>
<p>{{.Message}}</p>
</div></body>
</html>`))

type page struct {
	Title   string
	Message string
	OK      bool
}

func New(addr string, d Deps) *Server {
	s := &Server{Deps: d}
	s.Log = d.Log.WithField("component", "http")

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.Log))
	r.SetHTMLTemplate(pageTemplate)

	r.GET("/oauth2callback", s.oauthCallback)
	r.GET("/healthz", s.healthz)
	r.GET("/status", s.status)

	s.engine = r
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.Log.WithField("addr", s.srv.Addr).Info("http server listening")
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.DB != nil {
		if err := s.DB.Ping(c.Request.Context()); err != nil {
			s.Log.WithError(err).Warn("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{"passes": 0}
	if s.Status != nil {
		body["passes"] = s.Status.Passes()
		if report, ok := s.Status.LastReport(); ok {
			body["last_report"] = report
		}
	}
	if s.Breaker != nil {
		body["gmail_breaker"] = s.Breaker.State().String()
	}
	if s.Outbox != nil {
		n, err := s.Outbox.PendingCount(c.Request.Context())
		if err != nil {
			s.Log.WithError(err).Warn("count outbox backlog")
		} else {
			body["outbox_pending"] = n
		}
	}
	if s.Bus != nil {
		body["nats_connected"] = s.Bus.Connected()
	}
	c.JSON(http.StatusOK, body)
}
