package operator

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"gitopsdelivery/pkg/adapters/webhooks"
	"gitopsdelivery/pkg/api/v1alpha1"
	"gitopsdelivery/pkg/controllers/delivery"
	"gitopsdelivery/pkg/controllers/drift"
	"gitopsdelivery/pkg/core"
)

var errBadRequest = errors.New("bad request")

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Application *v1alpha1.Application    `json:"application"`
	Sync        drift.Status             `json:"sync"`
	Rollout     *delivery.Status         `json:"rollout,omitempty"`
	Autoscale   []core.AutoscaleDecision `json:"autoscale,omitempty"`
}

// CycleResponse is the body of a waited POST /api/v1/sync.
type CycleResponse struct {
	CycleID   string               `json:"cycleId"`
	Revision  string               `json:"revision"`
	Applied   int                  `json:"applied"`
	OutOfSync []core.OutOfSyncItem `json:"outOfSync,omitempty"`
	Health    core.HealthStatus    `json:"health"`
}

func (s *Server) webhookV1(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		jsonFailedResponse(c, fmt.Errorf("%w: %v", errBadRequest, err), "the push notification could not be read")
		return
	}
	if len(s.cfg.WebhookSecret) == 0 && !s.cfg.AllowUnsignedWebhooks {
		jsonFailedResponse(c, fmt.Errorf("%w: no webhook secret configured", webhooks.ErrSignature), "unsigned push notifications are disabled")
		return
	}
	if err := webhooks.VerifySignature(s.cfg.WebhookSecret, data, c.GetHeader(webhooks.SignatureHeader)); err != nil {
		s.cfg.Log.Info("rejected push notification", "error", err.Error())
		jsonFailedResponse(c, err, "the push notification signature is invalid")
		return
	}
	event, err := webhooks.ParsePush(data)
	if err != nil {
		jsonFailedResponse(c, fmt.Errorf("%w: %v", errBadRequest, err), "invalid push notification")
		return
	}

	s.cfg.Log.Info("push notification received", "ref", event.Ref, "revision", event.Revision)
	s.cfg.Sync.Trigger(drift.TriggerWebhook)
	jsonSuccessResponse(c, event, "sync queued")
}

func (s *Server) syncV1(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		s.cfg.Sync.Trigger(drift.TriggerOperator)
		jsonSuccessResponse(c, nil, "sync queued")
		return
	}

	sum, err := s.cfg.Sync.RunCycle(c.Request.Context(), drift.TriggerOperator)
	if err != nil {
		jsonFailedResponse(c, err, "sync failed")
		return
	}
	jsonSuccessResponse(c, CycleResponse{
		CycleID:   sum.CycleID,
		Revision:  sum.Revision,
		Applied:   sum.Count(core.OutcomeApplied),
		OutOfSync: sum.SortedOutOfSync(),
		Health:    sum.Health,
	}, "sync completed")
}

func (s *Server) pauseV1(c *gin.Context) {
	s.cfg.Sync.Pause()
	s.cfg.Log.Info("operator paused automatic sync")
	jsonSuccessResponse(c, nil, "automatic sync paused")
}

func (s *Server) resumeV1(c *gin.Context) {
	s.cfg.Sync.Resume()
	s.cfg.Log.Info("operator resumed automatic sync")
	jsonSuccessResponse(c, nil, "automatic sync resumed")
}

func (s *Server) promoteV1(c *gin.Context) {
	if s.cfg.Rollouts == nil {
		jsonFailedResponse(c, fmt.Errorf("%w: no rollout configured", core.ErrNotFound), "promote failed")
		return
	}
	if err := s.cfg.Rollouts.Promote(c.Request.Context()); err != nil {
		jsonFailedResponse(c, err, "promote failed")
		return
	}
	jsonSuccessResponse(c, s.cfg.Rollouts.Status(), "rollout promoted")
}

func (s *Server) rollbackV1(c *gin.Context) {
	if s.cfg.Rollouts == nil {
		jsonFailedResponse(c, fmt.Errorf("%w: no rollout configured", core.ErrNotFound), "rollback failed")
		return
	}
	if err := s.cfg.Rollouts.Rollback(c.Request.Context()); err != nil {
		jsonFailedResponse(c, err, "rollback failed")
		return
	}
	jsonSuccessResponse(c, s.cfg.Rollouts.Status(), "rollout rolled back")
}

func (s *Server) statusV1(c *gin.Context) {
	syncStatus := s.cfg.Sync.Status()
	application := s.cfg.Application.DeepCopy()
	application.ApplySyncStatus(syncStatus.Sync, syncStatus.Paused)

	response := StatusResponse{Application: application, Sync: syncStatus}
	if s.cfg.Rollouts != nil {
		rollout := s.cfg.Rollouts.Status()
		application.ApplyRolloutStatus(string(rollout.Phase), rollout.ActiveVersion)
		response.Rollout = &rollout
	}
	if s.cfg.Autoscaler != nil {
		response.Autoscale = s.cfg.Autoscaler.Decisions()
		application.ApplyAutoscaleDecisions(response.Autoscale)
	}

	jsonSuccessResponse(c, response, fmt.Sprintf("health %s", syncStatus.Health))
}

func (s *Server) historyV1(c *gin.Context) {
	key := core.ResourceKey{Kind: c.Param("kind"), Namespace: c.Param("namespace"), Name: c.Param("name")}
	if key.Namespace == "-" {
		key.Namespace = ""
	}

	entries, err := s.cfg.Sync.History(c.Request.Context(), key)
	if err != nil {
		jsonFailedResponse(c, err, fmt.Sprintf("history of %s unavailable", key))
		return
	}
	if len(entries) == 0 {
		jsonFailedResponse(c, fmt.Errorf("%w: no history for %s", core.ErrNotFound, key), "unknown resource")
		return
	}
	jsonSuccessResponse(c, entries, fmt.Sprintf("%d results for %s", len(entries), key))
}
