package transport

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"docket/internal/backend"
	"docket/internal/job"
)

// runPolling is the fallback delivery loop: a fixed-interval status poll
// synthesized into the same event shapes the channel produces, so the
// handler cannot tell the two apart. It returns when the job reaches a
// terminal status, the backend forgets the job, or the handle closes.
func (h *handle) runPolling() {
	h.setMode(ModePolling)
	h.emitState(job.StatePolling, "reconnect attempts exhausted, polling for status")
	h.logger.Info("switching to polling",
		zap.String("job_id", h.jobID),
		zap.Duration("interval", h.pollInterval))

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var lastProgress = -1
	var lastNode string

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := h.client.Status(h.ctx, h.jobID)
		if err != nil {
			if errors.Is(err, backend.ErrJobNotFound) {
				h.enqueue(job.ErrorEvent{
					JobID:     h.jobID,
					Message:   "job is no longer known to the backend",
					Timestamp: time.Now(),
				})
				h.emitState(job.StateTerminal, "job expired")
				return
			}
			if h.ctx.Err() != nil {
				return
			}
			h.logger.Debug("status poll failed", zap.Error(err))
			continue
		}

		// Quiet polls produce no events; only movement is reported.
		if st.Progress != lastProgress || st.CurrentNode != lastNode {
			lastProgress = st.Progress
			lastNode = st.CurrentNode
			h.enqueue(job.ProgressEvent{
				JobID:        h.jobID,
				Progress:     st.Progress,
				Node:         st.CurrentNode,
				NodeProgress: st.NodeProgress,
				Message:      st.Message,
				Timestamp:    time.Now(),
			})
		}

		if notify, ok := terminalNotification(st.Status); ok {
			h.enqueue(job.NotificationEvent{
				JobID:            h.jobID,
				NotificationType: notify,
				Message:          st.Message,
				Timestamp:        time.Now(),
			})
			h.emitState(job.StateTerminal, "")
			return
		}
	}
}

// terminalNotification maps a polled status onto the notification the
// channel would have delivered.
func terminalNotification(status string) (string, bool) {
	switch job.Phase(status) {
	case job.PhaseCompleted:
		return job.NotifyCompleted, true
	case job.PhaseFailed:
		return job.NotifyFailed, true
	case job.PhaseCancelled:
		return job.NotifyCancelled, true
	}
	return "", false
}
