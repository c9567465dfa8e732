package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/internal/peer"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

const (
	userKey   = "user"
	clientKey = "client"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter returns the HTTP handler of s.
func NewRouter(s *Server) *gin.Engine {
	h := &handlers{srv: s}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", peer.HeaderClientID},
	}))

	r.GET(peer.PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST(peer.PathHostKey, h.hostKey)

	api := r.Group("/")
	api.Use(authenticate(s))
	{
		api.GET(peer.PathMeta, h.meta)
		api.POST(peer.PathSummaries, h.summaries)
		api.POST(peer.PathApplyPayload, h.applyPayload)
		api.POST(peer.PathFinish, h.finish)
		api.POST(peer.PathAbort, h.abort)
		api.POST(peer.PathUpload, h.upload)
		api.GET(peer.PathDownload, h.download)
		api.GET(peer.PathMediaChanges, h.mediaChanges)
		api.POST(peer.PathMediaGet, h.mediaGet)
		api.POST(peer.PathMediaPut, h.mediaPut)
		api.GET(peer.PathMediaCount, h.mediaCount)
	}
	return r
}

func requestLogger(l logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"client":  c.GetString(clientKey),
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Debug("request")
	}
}

// authenticate resolves the bearer session key to its account and requires
// the client id header.
func authenticate(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
			abortWithError(c, fmt.Errorf("%w: missing session key", types.ErrAuth))
			return
		}
		user, err := s.keys.Verify(strings.TrimSpace(h[7:]))
		if err != nil {
			abortWithError(c, err)
			return
		}
		client := strings.TrimSpace(c.GetHeader(peer.HeaderClientID))
		if client == "" {
			abortWithError(c, fmt.Errorf("%w: %s header required", types.ErrAuth, peer.HeaderClientID))
			return
		}
		c.Set(userKey, user)
		c.Set(clientKey, client)
		c.Next()
	}
}

func abortWithError(c *gin.Context, err error) {
	status, body := peer.ErrorResponse(err)
	c.AbortWithStatusJSON(status, body)
}
