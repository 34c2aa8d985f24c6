// ABOUTME: Admin HTTP surface: session lifecycle, ACL management, bot toggles, media fetch
// ABOUTME: Bearer-gated gin router sharing the rbac predicate; also mounts the live stream

package httpadmin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/2389/warelay/internal/auth"
	"github.com/2389/warelay/internal/hub"
	"github.com/2389/warelay/internal/policy"
	"github.com/2389/warelay/internal/rbac"
	"github.com/2389/warelay/internal/session"
	"github.com/2389/warelay/internal/store"
)

const viewContextKey = "warelay.view"

// Server wires the admin endpoints over the core components.
type Server struct {
	verifier auth.TokenVerifier
	rbac     *rbac.Service
	sup      *session.Supervisor
	store    store.Store
	policies *policy.Cache
	hub      *hub.Hub
	logger   *slog.Logger
}

// New creates the admin server. Pass nil logger for default.
func New(verifier auth.TokenVerifier, rbacSvc *rbac.Service, sup *session.Supervisor, st store.Store, policies *policy.Cache, h *hub.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier: verifier,
		rbac:     rbacSvc,
		sup:      sup,
		store:    st,
		policies: policies,
		hub:      h,
		logger:   logger.With("component", "httpadmin"),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws", gin.WrapH(s.hub))

	api := r.Group("/api/accounts/:aid", s.authenticate())
	{
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:label/qr", s.requireLabel(), s.getQR)
		api.POST("/sessions/:label/send", s.requireLabel(), s.sendText)
		api.GET("/media/:label/:messageId", s.requireLabel(), s.getMedia)

		admin := api.Group("", s.requireAdmin())
		{
			admin.POST("/sessions/:label/init", s.initSession)
			admin.POST("/sessions/:label/stop", s.stopSession)
			admin.POST("/sessions/:label/destroy", s.destroySession)
			admin.POST("/sessions/:label/bot", s.setSessionBot)
			admin.POST("/sessions/:label/threads/:chatId/bot", s.setThreadBot)
			admin.PUT("/acl/:uid", s.grantACL)
			admin.DELETE("/acl/:uid", s.revokeACL)
		}
	}

	return r
}

// authenticate verifies the bearer token and resolves the caller's view
// of the account.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.FromAuthorizationHeader(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		uid, err := s.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		view, err := s.rbac.Resolve(c.Request.Context(), c.Param("aid"), uid)
		if err != nil {
			if errors.Is(err, rbac.ErrNoRole) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no role in account"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "role lookup failed"})
			return
		}

		c.Set(viewContextKey, view)
		c.Next()
	}
}

func viewFrom(c *gin.Context) *rbac.View {
	v, _ := c.Get(viewContextKey)
	view, _ := v.(*rbac.View)
	return view
}

// requireAdmin gates mutating endpoints.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if view := viewFrom(c); view == nil || view.Role != store.RoleAdministrator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Administrator role required"})
			return
		}
		c.Next()
	}
}

// requireLabel enforces the shared predicate for per-session reads.
func (s *Server) requireLabel() gin.HandlerFunc {
	return func(c *gin.Context) {
		if view := viewFrom(c); view == nil || !view.Allows(c.Param("label")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session not allowed"})
			return
		}
		c.Next()
	}
}

func (s *Server) listSessions(c *gin.Context) {
	aid := c.Param("aid")

	docs, err := s.store.ListAccountSessions(c.Request.Context(), aid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	running := make(map[string]session.RunningSession)
	for _, rs := range s.sup.ListRunning(aid) {
		running[rs.Label] = rs
	}

	view := viewFrom(c)
	out := make([]gin.H, 0, len(docs))
	for _, doc := range docs {
		if !view.Allows(doc.Label) {
			continue
		}
		entry := gin.H{
			"label":       doc.Label,
			"status":      doc.Status,
			"waId":        doc.WaID,
			"createdAt":   doc.CreatedAt,
			"lastReadyAt": doc.LastReadyAt,
			"running":     false,
		}
		if rs, ok := running[doc.Label]; ok {
			entry["running"] = true
			entry["status"] = rs.Status
			entry["hasQr"] = rs.HasQR
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) initSession(c *gin.Context) {
	status, err := s.sup.Init(c.Request.Context(), c.Param("aid"), c.Param("label"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) stopSession(c *gin.Context) {
	if err := s.sup.Stop(c.Request.Context(), c.Param("aid"), c.Param("label")); err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": store.SessionStatusStopped})
}

func (s *Server) destroySession(c *gin.Context) {
	if err := s.sup.Destroy(c.Request.Context(), c.Param("aid"), c.Param("label")); err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

func (s *Server) getQR(c *gin.Context) {
	qr, ok := s.sup.QR(c.Param("aid"), c.Param("label"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending qr"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qr": qr})
}

func (s *Server) sendText(c *gin.Context) {
	var body struct {
		To   string `json:"to" binding:"required"`
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgID, err := s.sup.SendText(c.Request.Context(), c.Param("aid"), c.Param("label"), body.To, body.Text)
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"waMessageId": msgID})
}

func (s *Server) getMedia(c *gin.Context) {
	media, err := s.sup.DownloadMessageMediaB64(c.Request.Context(),
		c.Param("aid"), c.Param("label"), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, session.ErrMediaGone) {
			c.JSON(http.StatusNotFound, gin.H{"error": "media no longer cached"})
			return
		}
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, media)
}

func (s *Server) setSessionBot(c *gin.Context) {
	var bot store.BotConfig
	if err := c.ShouldBindJSON(&bot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	aid := c.Param("aid")
	if err := s.store.SetSessionBot(c.Request.Context(), aid, c.Param("label"), bot); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.policies.Invalidate(aid)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) setThreadBot(c *gin.Context) {
	var settings store.ThreadSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	aid := c.Param("aid")
	err := s.store.SetThreadSettings(c.Request.Context(), aid, c.Param("label"),
		session.NormalizeChatID(c.Param("chatId")), settings)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.policies.Invalidate(aid)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) grantACL(c *gin.Context) {
	var body struct {
		Sessions []string `json:"sessions"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.SetACL(c.Request.Context(), c.Param("aid"), c.Param("uid"), body.Sessions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": body.Sessions})
}

func (s *Server) revokeACL(c *gin.Context) {
	if err := s.store.SetACL(c.Request.Context(), c.Param("aid"), c.Param("uid"), nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": []string{}})
}

func (s *Server) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotRunning):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not running"})
	case errors.Is(err, session.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "session not ready"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
