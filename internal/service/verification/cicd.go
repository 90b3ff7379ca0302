package verification

import (
	"context"
	"time"

	"github.com/ashita-ai/kensa/internal/model"
)

// waitForPipelines polls until the work item's pipelines settle or maxWait
// elapses. A work item with no reported pipelines has nothing to wait for.
// Neither a timeout nor a polling error stops the verification; the health
// read that follows reports whatever state the pipelines are in.
func (s *Service) waitForPipelines(ctx context.Context, workItemID string) {
	if s.src.CICD == nil || s.cfg.CICDMaxWait <= 0 {
		return
	}
	start := time.Now()
	deadline := start.Add(s.cfg.CICDMaxWait)

	ticker := time.NewTicker(s.cfg.CICDPollInterval)
	defer ticker.Stop()

	for {
		state, err := s.src.CICD.PipelineState(ctx, workItemID)
		switch {
		case err != nil:
			s.logger.Warn("verification: pipeline poll failed", "work_item_id", workItemID, "error", err)
		case state.Settled() || state == model.PipelineUnknown:
			s.logger.Debug("verification: pipelines settled",
				"work_item_id", workItemID, "state", state, "waited_ms", time.Since(start).Milliseconds())
			return
		}
		if !time.Now().Before(deadline) {
			s.logger.Info("verification: pipelines still running, proceeding",
				"work_item_id", workItemID, "max_wait", s.cfg.CICDMaxWait)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cicdHealth reads the CI/CD signal. A failed read becomes a health record
// that requires manual intervention instead of an error.
func (s *Service) cicdHealth(ctx context.Context, workItemID string) *model.CICDHealth {
	if s.src.CICD == nil {
		return nil
	}
	h, err := s.src.CICD.Health(ctx, workItemID)
	if err != nil {
		s.logger.Warn("verification: cicd health unavailable", "work_item_id", workItemID, "error", err)
		return &model.CICDHealth{
			Status:                     model.PipelineUnknown,
			RequiresManualIntervention: true,
			Error:                      err.Error(),
		}
	}
	return h
}
