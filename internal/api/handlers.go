package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatguard/internal/models"
	"chatguard/internal/service/ai"
	"chatguard/internal/service/moderation"
	"chatguard/internal/syncclient"
)

const (
	defaultWindowLimit  = 50
	maxWindowLimit      = 200
	defaultOverviewDays = 7
	maxBatchSize        = 100
)

// Store is the read side of the message store used by the API.
type Store interface {
	ListMessages(ctx context.Context, channel string, limit int) ([]*models.Message, error)
	ListFlags(ctx context.Context, status models.FlagStatus) ([]*models.FlaggedMessage, error)
	ListActions(ctx context.Context, messageID int64) ([]*models.ModerationAction, error)
	Metrics(ctx context.Context) (*models.Metrics, error)
	Overview(ctx context.Context, days int) (*models.Overview, error)
}

// WakeupFunc subscribes to change signals of one channel until ctx ends.
type WakeupFunc func(ctx context.Context, channel string) (<-chan struct{}, error)

// Options tunes the handler. Zero values fall back to defaults.
type Options struct {
	Classifier      ai.Classifier
	ClassifyTimeout time.Duration
	PollInterval    time.Duration
	WindowLimit     int
	Wakeups         WakeupFunc
	Logger          *zap.Logger
}

// Handler wires HTTP routes to the moderation services.
type Handler struct {
	store      Store
	ingestor   *moderation.Ingestor
	actions    *moderation.Actions
	classifier ai.Classifier
	timeout    time.Duration
	interval   time.Duration
	limit      int
	wakeups    WakeupFunc
	logger     *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(store Store, ingestor *moderation.Ingestor, actions *moderation.Actions, opts Options) *Handler {
	h := &Handler{
		store:      store,
		ingestor:   ingestor,
		actions:    actions,
		classifier: opts.Classifier,
		timeout:    opts.ClassifyTimeout,
		interval:   opts.PollInterval,
		limit:      opts.WindowLimit,
		wakeups:    opts.Wakeups,
		logger:     opts.Logger,
	}
	if h.classifier == nil {
		h.classifier = ai.NewHeuristicClassifier()
	}
	if h.timeout <= 0 {
		h.timeout = moderation.DefaultClassifyTimeout
	}
	if h.interval <= 0 {
		h.interval = syncclient.DefaultInterval
	}
	if h.limit <= 0 {
		h.limit = defaultWindowLimit
	}
	h.limit = min(h.limit, maxWindowLimit)
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	api := router.Group("/api")
	api.GET("/messages", h.listMessages)
	api.POST("/messages", h.createMessage)
	api.GET("/messages/stream", h.streamMessages)
	api.GET("/messages/flagged", h.listFlagged)
	api.POST("/moderation/delete", h.deleteMessage)
	api.GET("/moderation/actions", h.listActions)
	api.POST("/moderation/analyze", h.analyze)
	api.GET("/analytics/metrics", h.metrics)
	api.GET("/analytics/overview", h.overview)
}

func (h *Handler) channelParam(c *gin.Context) string {
	channel := strings.TrimSpace(c.Query("channel"))
	if channel == "" {
		channel = h.ingestor.DefaultChannel()
	}
	return channel
}

func (h *Handler) listMessages(c *gin.Context) {
	limit := h.limit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxWindowLimit)
	}
	messages, err := h.store.ListMessages(c.Request.Context(), h.channelParam(c), limit)
	if err != nil {
		h.storeFailure(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type createMessageRequest struct {
	Author   string `json:"author"`
	Username string `json:"username"`
	Content  string `json:"content"`
	Channel  string `json:"channel"`
}

func (h *Handler) createMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	author := req.Author
	if author == "" {
		author = req.Username
	}
	msg, err := h.ingestor.Submit(c.Request.Context(), author, req.Content, req.Channel)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// streamMessages pushes the channel window as SSE "window" events, driven by
// a sync client polling the local store.
func (h *Handler) streamMessages(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	ctx := c.Request.Context()
	channel := h.channelParam(c)

	opts := []syncclient.Option{
		syncclient.WithInterval(h.interval),
		syncclient.WithLimit(h.limit),
		syncclient.WithLogger(h.logger),
	}
	if h.wakeups != nil {
		wake, err := h.wakeups(ctx, channel)
		if err != nil {
			h.logger.Warn("channel updates unavailable, polling only", zap.String("channel", channel), zap.Error(err))
		} else if wake != nil {
			opts = append(opts, syncclient.WithWakeups(wake))
		}
	}
	client := syncclient.New(syncclient.NewLocalSource(h.store, h.ingestor), channel, opts...)

	// only the newest window matters to a slow reader
	windows := make(chan []*models.Message, 1)
	deliver := func(messages []*models.Message) {
		for {
			select {
			case windows <- messages:
				return
			default:
			}
			select {
			case <-windows:
			default:
			}
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := client.Connect(ctx, deliver); err != nil {
		sendEvent("error", gin.H{"error": err.Error()})
		return
	}
	defer client.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		case messages := <-windows:
			if err := sendEvent("window", gin.H{"channel": channel, "messages": messages}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) listFlagged(c *gin.Context) {
	status := models.FlagStatus(c.DefaultQuery("status", string(models.FlagPending)))
	if status != models.FlagPending && status != models.FlagResolved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	flagged, err := h.store.ListFlags(c.Request.Context(), status)
	if err != nil {
		h.storeFailure(c, "list flags", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flaggedMessages": flagged})
}

func (h *Handler) listActions(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("messageId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid messageId"})
		return
	}
	actions, err := h.store.ListActions(c.Request.Context(), id)
	if err != nil {
		h.storeFailure(c, "list actions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type deleteRequest struct {
	MessageID   int64  `json:"messageId"`
	ModeratorID int64  `json:"moderatorId"`
	ActionType  string `json:"actionType"`
	Reason      string `json:"reason"`
}

func (h *Handler) deleteMessage(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := h.actions.Act(c.Request.Context(), moderation.ActionRequest{
		MessageID:   req.MessageID,
		ModeratorID: req.ModeratorID,
		ActionType:  models.ActionType(req.ActionType),
		Reason:      req.Reason,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type analyzeRequest struct {
	Content string   `json:"content"`
	Batch   []string `json:"batch"`
}

func (h *Handler) analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	if len(req.Batch) > 0 {
		if len(req.Batch) > maxBatchSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("batch exceeds %d items", maxBatchSize)})
			return
		}
		analyses := ai.ClassifyBatch(ctx, h.classifier, req.Batch, h.timeout, h.logger)
		c.JSON(http.StatusOK, gin.H{"analyses": analyses})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	verdict, err := ai.SafeClassify(ctx, h.classifier, req.Content, h.timeout)
	if err != nil {
		h.logger.Warn("analysis failed, defaulting to safe", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"analysis": verdict})
}

func (h *Handler) metrics(c *gin.Context) {
	metrics, err := h.store.Metrics(c.Request.Context())
	if err != nil {
		h.storeFailure(c, "metrics", err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (h *Handler) overview(c *gin.Context) {
	days := defaultOverviewDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days"})
			return
		}
		days = n
	}
	overview, err := h.store.Overview(c.Request.Context(), days)
	if err != nil {
		h.storeFailure(c, "overview", err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *Handler) storeFailure(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", zap.String("request_id", requestID(c)), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, moderation.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, moderation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, moderation.ErrAlreadyDeleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.storeFailure(c, c.FullPath(), err)
	}
}
