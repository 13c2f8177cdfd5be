package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/FabianTorres/confesiones/internal/auth"
	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/metrics"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"github.com/FabianTorres/confesiones/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "confesiones_user_id"

var (
	errMissingTokenManager       = errors.New("token manager dependency required")
	errMissingUsersService       = errors.New("users service dependency required")
	errMissingConfessionsService = errors.New("confessions service dependency required")
	errMissingChatService        = errors.New("chat service dependency required")
	errMissingSubscriber         = errors.New("realtime subscriber dependency required")
	errInvalidAuthorization      = errors.New("authorization header missing or invalid")
)

// TokenManager issues session tokens and authenticates requests.
type TokenManager interface {
	IssueToken(ctx context.Context, userID, installID string) (string, int64, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	TokenManager       TokenManager
	Users              *users.Service
	Confessions        *confessions.Service
	Chat               *chat.Service
	Subscriber         realtime.Subscriber
	Metrics            *metrics.Metrics
	Gatherer           prometheus.Gatherer
	CORSAllowedOrigins []string
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Confessions == nil {
		return nil, errMissingConfessionsService
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Subscriber == nil {
		return nil, errMissingSubscriber
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSAllowedOrigins))
	router.Use(deps.Metrics.HTTPMiddleware())

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		users:       deps.Users,
		confessions: deps.Confessions,
		chat:        deps.Chat,
		subscriber:  deps.Subscriber,
		metrics:     deps.Metrics,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.POST("/auth/anonymous", handler.handleAnonymousAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/communities", handler.handleListCommunities)
	protected.GET("/communities/:id/confessions", handler.handleListFeed)
	protected.POST("/communities/:id/confessions", handler.handleCreateConfession)
	protected.GET("/confessions/:id", handler.handleGetConfession)
	protected.POST("/confessions/:id/like", handler.handleToggleLike)
	protected.GET("/confessions/:id/comments", handler.handleListComments)
	protected.POST("/confessions/:id/comments", handler.handleAddComment)
	protected.POST("/reports", handler.handleReport)

	protected.GET("/profile", handler.handleGetProfile)
	protected.PUT("/profile", handler.handleUpdateProfile)
	protected.POST("/blocks", handler.handleBlockUser)
	protected.GET("/me/confessions", handler.handleListOwnConfessions)

	protected.GET("/chats", handler.handleListChats)
	protected.POST("/chats", handler.handleStartChat)
	protected.GET("/chats/:id", handler.handleGetChat)
	protected.GET("/chats/:id/messages", handler.handleListMessages)
	protected.POST("/chats/:id/messages", handler.handleSendMessage)
	protected.POST("/chats/:id/accept", handler.handleAcceptChat)
	protected.POST("/chats/:id/reject", handler.handleRejectChat)

	protected.GET("/ws/listen", handler.handleListen)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens      TokenManager
	users       *users.Service
	confessions *confessions.Service
	chat        *chat.Service
	subscriber  realtime.Subscriber
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID())
	c.Next()
}

type codedError interface {
	Code() string
}

// statusFor maps service failures onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, users.ErrProfileNotFound),
		errors.Is(err, confessions.ErrConfessionNotFound),
		errors.Is(err, chat.ErrRoomNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, users.ErrInvalidInstallID),
		errors.Is(err, users.ErrInvalidUserID),
		errors.Is(err, users.ErrInvalidProfile),
		errors.Is(err, users.ErrSelfBlock),
		errors.Is(err, confessions.ErrInvalidText),
		errors.Is(err, confessions.ErrInvalidIdentifier),
		errors.Is(err, confessions.ErrInvalidItemType),
		errors.Is(err, confessions.ErrInvalidSortOrder),
		errors.Is(err, chat.ErrInvalidText),
		errors.Is(err, chat.ErrInvalidPair):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrRoomRejected),
		errors.Is(err, chat.ErrMessagingDisabled),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(status, gin.H{"error": errorCode(err)})
}
