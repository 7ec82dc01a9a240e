// Package backend is the client side of the session backend's HTTP surface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 10 * time.Second
	maxErrorBodyBytes   = 64 * 1024
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	jsonContentType     = "application/json"
)

var (
	errMissingBaseURL = errors.New("backend: base url is required")
	errMissingSession = errors.New("backend: session id is required")
	errMissingToken   = errors.New("backend: account token is required")
)

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// HTTPClient talks to the session backend over JSON/HTTP.
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient validates the configuration and returns a client.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", raw)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{baseURL: parsed, http: httpClient, logger: logger}, nil
}

type createSessionPayload struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// CreateSession creates a session for the device, or resumes the device's existing one.
func (c *HTTPClient) CreateSession(ctx context.Context, deviceID, displayName string) (game.SessionInfo, error) {
	var info game.SessionInfo
	err := c.do(ctx, http.MethodPost, "/v1/sessions", "", createSessionPayload{DeviceID: deviceID, DisplayName: displayName}, &info)
	return info, err
}

// ResumeSession looks up the session registered for deviceID.
func (c *HTTPClient) ResumeSession(ctx context.Context, deviceID string) (game.SessionInfo, error) {
	var info game.SessionInfo
	err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID)+"/session", "", nil, &info)
	return info, err
}

func (c *HTTPClient) RecordScore(ctx context.Context, score game.Score) (game.Score, error) {
	var stored game.Score
	err := c.sessionCall(ctx, score.SessionID, "/scores", score, &stored)
	return stored, err
}

func (c *HTTPClient) UploadPhoto(ctx context.Context, photo game.Photo) (game.Photo, error) {
	var stored game.Photo
	err := c.sessionCall(ctx, photo.SessionID, "/photos", photo, &stored)
	return stored, err
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, order game.Order) (game.Order, error) {
	var stored game.Order
	err := c.sessionCall(ctx, order.SessionID, "/orders", order, &stored)
	return stored, err
}

func (c *HTTPClient) CreatePost(ctx context.Context, post game.SocialPost) (game.SocialPost, error) {
	var stored game.SocialPost
	err := c.sessionCall(ctx, post.SessionID, "/posts", post, &stored)
	return stored, err
}

// FetchSessionData returns the full session read model.
func (c *HTTPClient) FetchSessionData(ctx context.Context, sessionID string) (game.SessionData, error) {
	var data game.SessionData
	if strings.TrimSpace(sessionID) == "" {
		return data, errMissingSession
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), "", nil, &data)
	return data, err
}

// FetchSessionState returns the lighter leaderboard projection.
func (c *HTTPClient) FetchSessionState(ctx context.Context, sessionID string) (game.SessionState, error) {
	var state game.SessionState
	if strings.TrimSpace(sessionID) == "" {
		return state, errMissingSession
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/state", "", nil, &state)
	return state, err
}

// PromotionRequest carries the local identity and the credentials of the new account.
type PromotionRequest struct {
	DeviceID    string `json:"device_id"`
	SessionID   string `json:"session_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// PromotionResult is returned once the backend migrated ownership of the session records.
type PromotionResult struct {
	AccountToken string `json:"account_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// PromoteAccount migrates server-side ownership of the device's records to a new account.
func (c *HTTPClient) PromoteAccount(ctx context.Context, request PromotionRequest) (PromotionResult, error) {
	var result PromotionResult
	err := c.do(ctx, http.MethodPost, "/v1/accounts/promote", "", request, &result)
	return result, err
}

// SetDefaultPaymentMethod marks methodID as the account's default payment method.
func (c *HTTPClient) SetDefaultPaymentMethod(ctx context.Context, accountToken, methodID string) error {
	if strings.TrimSpace(accountToken) == "" {
		return errMissingToken
	}
	return c.do(ctx, http.MethodPut, "/v1/account/payment-methods/"+url.PathEscape(methodID)+"/default", accountToken, nil, nil)
}

// RemovePaymentMethod detaches methodID from the account.
func (c *HTTPClient) RemovePaymentMethod(ctx context.Context, accountToken, methodID string) error {
	if strings.TrimSpace(accountToken) == "" {
		return errMissingToken
	}
	return c.do(ctx, http.MethodDelete, "/v1/account/payment-methods/"+url.PathEscape(methodID), accountToken, nil, nil)
}

// Ping checks that the backend answers its health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

func (c *HTTPClient) sessionCall(ctx context.Context, sessionID, suffix string, body, out any) error {
	if strings.TrimSpace(sessionID) == "" {
		return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: "session id is required", Err: errMissingSession}
	}
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+suffix, "", body, out)
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Service string `json:"service"`
}

func (c *HTTPClient) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Code: CodeValidation, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return &Error{Code: CodeValidation, Message: "build request", Err: err}
	}
	if body != nil {
		request.Header.Set(headerContentType, jsonContentType)
	}
	if bearer != "" {
		request.Header.Set(headerAuthorization, "Bearer "+bearer)
	}

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Debug("backend request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return NewNetworkError(err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return decodeError(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &Error{Code: CodeServer, Status: response.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func decodeError(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)

	code := Code(strings.TrimSpace(payload.Error))
	if code == "" || !knownCode(code) {
		code = codeForStatus(response.StatusCode, payload.Service)
	}
	message := payload.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	return &Error{Code: code, Status: response.StatusCode, Message: message, Service: payload.Service}
}

func knownCode(code Code) bool {
	switch code {
	case CodeNetwork, CodeValidation, CodeNotFound, CodeUnauthorized, CodeServer, CodePartnerUnavailable:
		return true
	default:
		return code.IsPayment()
	}
}
