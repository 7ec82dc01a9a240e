// Package mockbackend is an in-memory implementation of the session backend used for
// local development and tests. Magic payment tokens and photo captions trigger the
// failure modes the client has to recover from.
package mockbackend

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/auth"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
)

const (
	accountIDContextKey = "roundup_account_id"

	// PartnerFailureCaption makes a photo upload fail as if the photo CDN was down.
	PartnerFailureCaption = "partner-fail"
	// PartnerServiceName is reported for partner failures.
	PartnerServiceName = "photo-cdn"
)

// paymentFailures maps magic payment tokens to gateway codes.
var paymentFailures = map[string]backend.Code{
	"tok_declined":     backend.CodeCardDeclined,
	"tok_insufficient": backend.CodeInsufficientFunds,
	"tok_expired":      backend.CodeExpiredCard,
	"tok_cvc":          backend.CodeIncorrectCVC,
	"tok_fail":         backend.CodePaymentFailed,
}

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenIssuer issues and validates account tokens.
type TokenIssuer interface {
	IssueAccountToken(claims auth.AccountClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the mock backend.
type Dependencies struct {
	TokenIssuer TokenIssuer
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Server is the mock backend.
type Server struct {
	handler http.Handler
	state   *state
	// unavailable makes every endpoint except the health check answer 503.
	unavailable atomic.Bool
}

// New constructs the mock backend.
func New(deps Dependencies) (*Server, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	server := &Server{state: newState(clock, func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] })}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{state: server.state, tokens: deps.TokenIssuer, logger: logger}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	api.Use(server.availability)
	api.POST("/sessions", handler.handleCreateSession)
	api.GET("/devices/:deviceID/session", handler.handleResumeSession)
	api.GET("/sessions/:sessionID", handler.handleSessionData)
	api.GET("/sessions/:sessionID/state", handler.handleSessionState)
	api.POST("/sessions/:sessionID/scores", handler.handleRecordScore)
	api.POST("/sessions/:sessionID/photos", handler.handleUploadPhoto)
	api.POST("/sessions/:sessionID/orders", handler.handlePlaceOrder)
	api.POST("/sessions/:sessionID/posts", handler.handleCreatePost)
	api.POST("/accounts/promote", handler.handlePromote)

	protected := api.Group("/account")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/payment-methods/:methodID/default", handler.handleSetDefaultMethod)
	protected.DELETE("/payment-methods/:methodID", handler.handleRemoveMethod)

	server.handler = router
	return server, nil
}

// Handler exposes the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetUnavailable toggles a simulated outage.
func (s *Server) SetUnavailable(unavailable bool) {
	s.unavailable.Store(unavailable)
}

// DefaultPaymentMethod returns the default payment method recorded for accountID.
func (s *Server) DefaultPaymentMethod(accountID string) string {
	return s.state.defaultMethod(accountID)
}

func (s *Server) availability(c *gin.Context) {
	if s.unavailable.Load() {
		abortWithError(c, http.StatusServiceUnavailable, backend.CodeServer, "backend unavailable", "")
		return
	}
	c.Next()
}

type httpHandler struct {
	state  *state
	tokens TokenIssuer
	logger *zap.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Service string `json:"service,omitempty"`
}

func abortWithError(c *gin.Context, status int, code backend.Code, message, service string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: string(code), Message: message, Service: service})
}

type createSessionRequest struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" {
		abortWithError(c, http.StatusBadRequest, backend.CodeValidation, "device_id is required", "")
		return
	}
	info := h.state.createSession(strings.TrimSpace(request.DeviceID), strings.TrimSpace(request.DisplayName))
	h.logger.Debug("session created", zap.String("session_id", info.SessionID), zap.String("device_id", info.DeviceID))
	c.JSON(http.StatusCreated, info)
}

func (h *httpHandler) handleResumeSession(c *gin.Context) {
	info, ok := h.state.sessionForDevice(c.Param("deviceID"))
	if !ok {
		abortWithError(c, http.StatusNotFound, backend.CodeNotFound, "no session for device", "")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleSessionData(c *gin.Context) {
	data, ok := h.state.sessionData(c.Param("sessionID"))
	if !ok {
		abortWithError(c, http.StatusNotFound, backend.CodeNotFound, "session not found", "")
		return
	}
	c.JSON(http.StatusOK, data)
}

func (h *httpHandler) handleSessionState(c *gin.Context) {
	state, ok := h.state.sessionState(c.Param("sessionID"))
	if !ok {
		abortWithError(c, http.StatusNotFound, backend.CodeNotFound, "session not found", "")
		return
	}
	c.JSON(http.StatusOK, state)
}

// bindRecord decodes the body into record, pins it to the path session and validates it.
func bindRecord[T game.Record](c *gin.Context, record *T, pin func(*T, string)) bool {
	if err := c.ShouldBindJSON(record); err != nil {
		abortWithError(c, http.StatusBadRequest, backend.CodeValidation, "malformed payload", "")
		return false
	}
	pin(record, c.Param("sessionID"))
	if err := (*record).Validate(); err != nil {
		abortWithError(c, http.StatusUnprocessableEntity, backend.CodeValidation, err.Error(), "")
		return false
	}
	return true
}

func (h *httpHandler) handleRecordScore(c *gin.Context) {
	var score game.Score
	if !bindRecord(c, &score, func(value *game.Score, sessionID string) { value.SessionID = sessionID }) {
		return
	}
	c.JSON(http.StatusCreated, h.state.recordScore(score))
}

func (h *httpHandler) handleUploadPhoto(c *gin.Context) {
	var photo game.Photo
	if !bindRecord(c, &photo, func(value *game.Photo, sessionID string) { value.SessionID = sessionID }) {
		return
	}
	if strings.EqualFold(strings.TrimSpace(photo.Caption), PartnerFailureCaption) {
		abortWithError(c, http.StatusBadGateway, backend.CodePartnerUnavailable, "partner API failed: upload rejected", PartnerServiceName)
		return
	}
	c.JSON(http.StatusCreated, h.state.addPhoto(photo))
}

func (h *httpHandler) handlePlaceOrder(c *gin.Context) {
	var order game.Order
	if !bindRecord(c, &order, func(value *game.Order, sessionID string) { value.SessionID = sessionID }) {
		return
	}
	if order.TotalCents() <= 0 {
		abortWithError(c, http.StatusUnprocessableEntity, backend.CodeValidation, "order total must be positive", "")
		return
	}
	if code, ok := paymentFailures[strings.TrimSpace(order.PaymentToken)]; ok {
		h.logger.Debug("simulated payment failure", zap.String("code", string(code)))
		abortWithError(c, http.StatusPaymentRequired, code, "payment failed: "+string(code), "")
		return
	}
	c.JSON(http.StatusCreated, h.state.addOrder(order))
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var post game.SocialPost
	if !bindRecord(c, &post, func(value *game.SocialPost, sessionID string) { value.SessionID = sessionID }) {
		return
	}
	c.JSON(http.StatusCreated, h.state.addPost(post))
}

type promoteRequest struct {
	DeviceID    string `json:"device_id"`
	SessionID   string `json:"session_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type promoteResponse struct {
	AccountToken string `json:"account_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (h *httpHandler) handlePromote(c *gin.Context) {
	var request promoteRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" || !strings.Contains(request.Email, "@") {
		abortWithError(c, http.StatusBadRequest, backend.CodeValidation, "device_id and a valid email are required", "")
		return
	}
	account := h.state.promote(strings.TrimSpace(request.DeviceID), strings.TrimSpace(request.SessionID), request.Email)
	token, expiresIn, err := h.tokens.IssueAccountToken(auth.AccountClaims{
		AccountID:       account.id,
		DeviceID:        account.deviceID,
		ActiveSessionID: account.sessionID,
		Email:           account.email,
	})
	if err != nil {
		h.logger.Error("failed to issue account token", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, backend.CodeServer, "token_issue_failed", "")
		return
	}
	c.JSON(http.StatusOK, promoteResponse{AccountToken: token, ExpiresIn: expiresIn})
}

func (h *httpHandler) handleSetDefaultMethod(c *gin.Context) {
	if !h.state.setDefaultMethod(c.GetString(accountIDContextKey), c.Param("methodID")) {
		abortWithError(c, http.StatusNotFound, backend.CodeNotFound, "payment method not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMethod(c *gin.Context) {
	if !h.state.removeMethod(c.GetString(accountIDContextKey), c.Param("methodID")) {
		abortWithError(c, http.StatusNotFound, backend.CodeNotFound, "payment method not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortWithError(c, http.StatusUnauthorized, backend.CodeUnauthorized, errInvalidAuthorization.Error(), "")
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		abortWithError(c, http.StatusUnauthorized, backend.CodeUnauthorized, errInvalidAuthorization.Error(), "")
		return
	}
	accountID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, backend.CodeUnauthorized, "unauthorized", "")
		return
	}
	c.Set(accountIDContextKey, accountID)
	c.Next()
}
