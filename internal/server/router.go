package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
	"github.com/Fai/poc-coffee-quality-management/internal/sync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "cqm_user_id"
	tenantIDContextKey = "cqm_tenant_id"

	heartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingAccounts      = errors.New("account resolver dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates tenant-scoped bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, userID, tenantID string) (string, int64, error)
	ValidateToken(token string) (string, string, error)
}

// AccountResolver maps a tenant login to its canonical user id.
type AccountResolver interface {
	ResolveUserID(tenantID, email string) (string, error)
}

// Dependencies carries everything the HTTP layer needs.
type Dependencies struct {
	TokenManager TokenManager
	Accounts     AccountResolver
	SyncService  *sync.Service
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		accounts:    deps.Accounts,
		syncService: deps.SyncService,
		realtime:    realtime,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/changes", handler.handleGetChanges)
	protected.POST("/sync/apply", handler.handleApplyChanges)
	protected.GET("/sync/conflicts", handler.handleListConflicts)
	protected.POST("/sync/conflicts/resolve", handler.handleResolveConflict)
	protected.GET("/sync/events", handler.handleSyncEvents)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	accounts    AccountResolver
	syncService *sync.Service
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenRequestPayload struct {
	Email    string `json:"email"`
	TenantID string `json:"tenant_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Email) == "" || strings.TrimSpace(request.TenantID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID, err := h.accounts.ResolveUserID(request.TenantID, request.Email)
	if err != nil {
		h.logger.Warn("account resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), userID, strings.TrimSpace(request.TenantID))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

type changeEntryPayload struct {
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     string          `json:"operation"`
	EntityVersion int64           `json:"entity_version"`
	Data          json.RawMessage `json:"data"`
	ChangedAt     int64           `json:"changed_at"`
}

type getChangesRequestPayload struct {
	SinceVersion int64  `json:"since_version"`
	DeviceID     string `json:"device_id"`
	Limit        int    `json:"limit"`
}

type getChangesResponsePayload struct {
	Changes       []changeEntryPayload `json:"changes"`
	LatestVersion int64                `json:"latest_version"`
}

// handleGetChanges serves one delta page. The request's since_version doubles
// as the device's acknowledgement that everything up to it has been applied,
// so the device cursor advances to it before the page is computed.
func (h *httpHandler) handleGetChanges(c *gin.Context) {
	userID, tenantID, ok := h.identity(c)
	if !ok {
		return
	}

	var request getChangesRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deviceID, err := entity.NewDeviceID(request.DeviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	if request.SinceVersion < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since_version"})
		return
	}

	ctx := c.Request.Context()
	if request.SinceVersion > 0 {
		if err := h.syncService.AdvanceCursor(ctx, userID, deviceID, request.SinceVersion); err != nil {
			h.logger.Error("cursor advance failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
	}

	entries, err := h.syncService.GetChangesSince(ctx, tenantID, request.SinceVersion, request.Limit)
	if err != nil {
		h.logger.Error("failed to read change log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	response := getChangesResponsePayload{
		Changes:       make([]changeEntryPayload, 0, len(entries)),
		LatestVersion: request.SinceVersion,
	}
	for _, entry := range entries {
		response.Changes = append(response.Changes, changeEntryPayload{
			EntityType:    entry.EntityType,
			EntityID:      entry.EntityID,
			Operation:     string(entry.Operation),
			EntityVersion: entry.EntityVersion,
			Data:          rawOrNull(entry.PayloadJSON),
			ChangedAt:     entry.ChangedAtSeconds,
		})
	}
	if len(entries) > 0 {
		response.LatestVersion = entries[len(entries)-1].EntityVersion
	}

	c.JSON(http.StatusOK, response)
}

type pendingChangePayload struct {
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Operation   string          `json:"operation"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload"`
	ChangedAt   int64           `json:"changed_at"`
}

type applyRequestPayload struct {
	DeviceID string                 `json:"device_id"`
	Changes  []pendingChangePayload `json:"changes"`
}

type applyResultPayload struct {
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Applied    bool             `json:"applied"`
	Status     string           `json:"status"`
	NewVersion int64            `json:"new_version,omitempty"`
	Conflict   *conflictPayload `json:"conflict,omitempty"`
}

type applyResponsePayload struct {
	Results       []applyResultPayload `json:"results"`
	LatestVersion int64                `json:"latest_version"`
}

func (h *httpHandler) handleApplyChanges(c *gin.Context) {
	userID, tenantID, ok := h.identity(c)
	if !ok {
		return
	}

	var request applyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := entity.NewDeviceID(request.DeviceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	if len(request.Changes) > sync.MaxPushBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_too_large"})
		return
	}

	changes := make([]sync.PendingChange, 0, len(request.Changes))
	for _, item := range request.Changes {
		entityType, err := entity.NewType(item.EntityType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
			return
		}
		entityID, err := entity.NewEntityID(item.EntityID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
			return
		}
		operation, err := entity.ParseOperation(item.Operation)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		if item.BaseVersion < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_base_version"})
			return
		}
		changes = append(changes, sync.PendingChange{
			EntityType:       entityType,
			EntityID:         entityID,
			Operation:        operation,
			BaseVersion:      item.BaseVersion,
			PayloadJSON:      string(item.Payload),
			ChangedAtSeconds: item.ChangedAt,
		})
	}

	ctx := c.Request.Context()
	outcomes, err := h.syncService.ApplyChanges(ctx, userID, tenantID, changes)
	if err != nil {
		h.logger.Error("failed to apply sync changes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	latestVersion, err := h.syncService.LatestVersion(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to read latest version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	response := applyResponsePayload{
		Results:       make([]applyResultPayload, 0, len(outcomes)),
		LatestVersion: latestVersion,
	}
	appliedIDs := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		result := applyResultPayload{
			EntityType: outcome.Change.EntityType.String(),
			EntityID:   outcome.Change.EntityID.String(),
			Applied:    outcome.Status == sync.ApplyStatusApplied,
			Status:     string(outcome.Status),
			NewVersion: outcome.NewVersion,
		}
		if outcome.Conflict != nil {
			payload := conflictToPayload(*outcome.Conflict)
			result.Conflict = &payload
		}
		if result.Applied {
			appliedIDs = append(appliedIDs, result.EntityID)
		}
		response.Results = append(response.Results, result)
	}

	if len(appliedIDs) > 0 {
		h.realtime.Publish(RealtimeMessage{
			TenantID:      tenantID.String(),
			EventType:     RealtimeEventSyncChanged,
			EntityIDs:     appliedIDs,
			LatestVersion: latestVersion,
			Timestamp:     time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, response)
}

type conflictPayload struct {
	ConflictID       string          `json:"conflict_id"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	LocalBaseVersion int64           `json:"local_base_version"`
	LocalPayload     json.RawMessage `json:"local_payload"`
	LocalChangedAt   int64           `json:"local_changed_at"`
	ServerVersion    int64           `json:"server_version"`
	ServerPayload    json.RawMessage `json:"server_payload"`
	Status           string          `json:"status"`
	CreatedAt        int64           `json:"created_at"`
	ResolvedAt       int64           `json:"resolved_at,omitempty"`
	ResolvedPayload  json.RawMessage `json:"resolved_payload,omitempty"`
}

func conflictToPayload(record sync.ConflictRecord) conflictPayload {
	return conflictPayload{
		ConflictID:       record.ConflictID,
		EntityType:       record.EntityType,
		EntityID:         record.EntityID,
		LocalBaseVersion: record.LocalBaseVersion,
		LocalPayload:     rawOrNull(record.LocalPayloadJSON),
		LocalChangedAt:   record.LocalChangedAtSeconds,
		ServerVersion:    record.ServerVersion,
		ServerPayload:    rawOrNull(record.ServerPayloadJSON),
		Status:           string(record.Status),
		CreatedAt:        record.CreatedAtSeconds,
		ResolvedAt:       record.ResolvedAtSeconds,
		ResolvedPayload:  rawOrNull(record.ResolvedPayloadJSON),
	}
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	userID, _, ok := h.identity(c)
	if !ok {
		return
	}

	records, err := h.syncService.PendingConflicts(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list conflicts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	conflicts := make([]conflictPayload, 0, len(records))
	for _, record := range records {
		conflicts = append(conflicts, conflictToPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

type resolveRequestPayload struct {
	ConflictID    string          `json:"conflict_id"`
	Resolution    string          `json:"resolution"`
	MergedPayload json.RawMessage `json:"merged_payload"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	userID, tenantID, ok := h.identity(c)
	if !ok {
		return
	}

	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ConflictID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolution, err := sync.ParseResolution(request.Resolution)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
		return
	}
	if resolution == sync.ResolutionMerged && len(request.MergedPayload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_merged_payload"})
		return
	}

	ctx := c.Request.Context()
	record, err := h.syncService.ResolveConflict(ctx, userID, request.ConflictID, resolution, string(request.MergedPayload))
	if err != nil {
		if errors.Is(err, sync.ErrConflictNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conflict_not_found"})
			return
		}
		h.logger.Error("failed to resolve conflict", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	latestVersion, err := h.syncService.LatestVersion(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to read latest version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	if record.Status != sync.ConflictStatusResolvedServer {
		h.realtime.Publish(RealtimeMessage{
			TenantID:      tenantID.String(),
			EventType:     RealtimeEventSyncChanged,
			EntityIDs:     []string{record.EntityID},
			LatestVersion: latestVersion,
			Timestamp:     time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"conflict":       conflictToPayload(*record),
		"latest_version": latestVersion,
	})
}

// handleSyncEvents streams sync hints over SSE until the client disconnects.
func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	_, tenantID, ok := h.identity(c)
	if !ok {
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), tenantID.String())
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"entity_ids":     message.EntityIDs,
				"latest_version": message.LatestVersion,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, tenantID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Set(tenantIDContextKey, tenantID)
	c.Next()
}

// identity reads the validated user and tenant from the request context.
func (h *httpHandler) identity(c *gin.Context) (entity.UserID, entity.TenantID, bool) {
	userID, err := entity.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	tenantID, err := entity.NewTenantID(c.GetString(tenantIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return userID, tenantID, true
}

func rawOrNull(payload string) json.RawMessage {
	if payload == "" {
		return nil
	}
	return json.RawMessage(payload)
}
