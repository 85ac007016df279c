package api

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dealflow/server/config"
	"dealflow/server/internal/aggregate"
	"dealflow/server/internal/matching"
	"dealflow/server/internal/models"
	"dealflow/server/internal/queue"
	"dealflow/server/internal/resilient"
	"dealflow/server/internal/stagesync"
	"dealflow/server/internal/store"
)

// Services are the components the handlers expose. Queue may be nil, in
// which case every stage change syncs the CRM inline.
type Services struct {
	Aggregates *aggregate.Cache
	Engine     *stagesync.Engine
	Runner     *matching.Runner
	Stages     *config.StageMapping
	Queue      *queue.SyncQueue
}

type Handler struct {
	aggregates *aggregate.Cache
	engine     *stagesync.Engine
	runner     *matching.Runner
	stages     *config.StageMapping
	queue      *queue.SyncQueue
	logger     *logrus.Logger
}

type PageParams struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type StageLabelRequest struct {
	Label string `json:"label"`
}

type StageInfo struct {
	Stage    models.Stage `json:"stage"`
	Label    string       `json:"label"`
	Relation string       `json:"relation_label,omitempty"`
	Next     models.Stage `json:"next,omitempty"`
	Terminal bool         `json:"terminal"`
}

func NewHandler(services Services, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if services.Stages == nil {
		services.Stages = config.NewStageMapping()
	}

	return &Handler{
		aggregates: services.Aggregates,
		engine:     services.Engine,
		runner:     services.Runner,
		stages:     services.Stages,
		queue:      services.Queue,
		logger:     logger,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) RunMatching(c *gin.Context) {
	var opts matching.RunOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			h.logger.WithError(err).Error("Failed to parse matching request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
			return
		}
	}

	summary, err := h.runner.Run(c.Request.Context(), opts)
	if err != nil {
		h.respondError(c, err, "Failed to run matching")
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ClearMatches(c *gin.Context) {
	buyerID := strings.TrimSpace(c.Query("buyer_id"))

	result, err := h.runner.Clear(c.Request.Context(), buyerID)
	if err != nil {
		h.respondError(c, err, "Failed to clear matches")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) DedupeMatches(c *gin.Context) {
	result, err := h.runner.Dedupe(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to remove duplicate matches")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetBuyersWithMatches(c *gin.Context) {
	var filters aggregate.BuyerFilters
	var page PageParams
	if err := c.ShouldBindQuery(&filters); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filter parameters"})
		return
	}
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page parameters"})
		return
	}

	result, err := h.aggregates.GetBuyersWithMatches(c.Request.Context(), filters, page.PageSize, page.Cursor)
	if err != nil {
		h.respondError(c, err, "Failed to get buyers with matches")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetPropertiesWithMatches(c *gin.Context) {
	var filters aggregate.PropertyFilters
	var page PageParams
	if err := c.ShouldBindQuery(&filters); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filter parameters"})
		return
	}
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page parameters"})
		return
	}

	result, err := h.aggregates.GetPropertiesWithMatches(c.Request.Context(), filters, page.PageSize, page.Cursor)
	if err != nil {
		h.respondError(c, err, "Failed to get properties with matches")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) SyncCache(c *gin.Context) {
	result, err := h.aggregates.SyncAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to sync cache")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetCacheStatus(c *gin.Context) {
	status, err := h.aggregates.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get cache status")
		return
	}

	c.JSON(http.StatusOK, status)
}

// TransitionStage moves a match to a new stage. With ?async=true the CRM
// relation is synced in the background and the response reports "queued".
func (h *Handler) TransitionStage(c *gin.Context) {
	var req stagesync.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse stage request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
		return
	}
	req.MatchID = c.Param("id")
	ctx := c.Request.Context()

	if c.Query("async") != "true" || h.queue == nil {
		result, err := h.engine.Transition(ctx, req)
		if err != nil {
			h.respondError(c, err, "Failed to change match stage")
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	m, changed, err := h.engine.ApplyStage(ctx, req)
	if err != nil {
		h.respondError(c, err, "Failed to change match stage")
		return
	}
	if !changed && m.HasRelation() {
		c.JSON(http.StatusOK, stagesync.Result{
			Match: m,
			Sync: stagesync.SyncResult{
				Status:     stagesync.SyncSkipped,
				Reason:     stagesync.ReasonRelationCurrent,
				RelationID: m.RelationID,
			},
		})
		return
	}

	if err := h.queue.Push(m.ID); err != nil {
		h.logger.WithError(err).WithField("match_id", m.ID).Warn("Sync queue rejected job, syncing inline")
		result, err := h.engine.SyncRelation(ctx, m.ID)
		if err != nil {
			h.respondError(c, err, "Failed to sync match relation")
			return
		}
		c.JSON(http.StatusOK, stagesync.Result{Match: m, Sync: result})
		return
	}

	c.JSON(http.StatusAccepted, stagesync.Result{
		Match: m,
		Sync:  stagesync.SyncResult{Status: stagesync.SyncQueued, PriorRelationID: m.RelationID},
	})
}

func (h *Handler) AddActivity(c *gin.Context) {
	var in stagesync.ActivityInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.WithError(err).Error("Failed to parse activity request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
		return
	}

	m, err := h.engine.AddActivity(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.respondError(c, err, "Failed to add activity")
		return
	}

	c.JSON(http.StatusOK, m)
}

// GetStages lists every settable stage with its CRM association label.
func (h *Handler) GetStages(c *gin.Context) {
	labels := h.stages.All()
	stages := make([]StageInfo, 0, len(models.AllStages))
	for _, s := range models.AllStages {
		stages = append(stages, StageInfo{
			Stage:    s,
			Label:    s.Label(),
			Relation: labels[s],
			Next:     s.Next(),
			Terminal: s.IsTerminal(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"stages":  stages,
		"initial": models.StageNone.Next(),
	})
}

func (h *Handler) UpdateStageLabel(c *gin.Context) {
	var req StageLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	stage := models.Stage(c.Param("stage"))
	if err := h.stages.Update(stage, req.Label); err != nil {
		h.respondError(c, err, "Failed to update stage label")
		return
	}

	label, _ := h.stages.Label(stage)
	c.JSON(http.StatusOK, gin.H{"stage": stage, "relation_label": label})
}

// respondError maps domain and upstream errors to HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error, message string) {
	var (
		validation  *models.ValidationError
		storeErr    *store.APIError
		unavailable *resilient.UpstreamUnavailableError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, models.ErrStageConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
	case errors.As(err, &unavailable):
		h.logger.WithError(err).Error(message)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Record store unavailable, try again later"})
	case errors.As(err, &storeErr):
		h.logger.WithError(err).Error(message)
		c.JSON(storeErr.StatusCode, gin.H{"error": storeErr.Message})
	default:
		h.logger.WithError(err).Error(message)
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
