package fleet

import (
	"context"
	"time"
)

// probeLoop runs the periodic health probe for one server. Each server's
// loop is fully independent: it holds no registry lock while probing, so a
// hung agent can never stall probes of other servers or any lifecycle call.
//
// A server flips unhealthy after FailureThreshold consecutive failures and
// flips back on the first success.
func (r *Registry) probeLoop(ctx context.Context, serverID string, client HostClient) {
	logger := r.logger.WithServerID(serverID)
	ticker := time.NewTicker(r.config.ProbeInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
		err := client.Ping(probeCtx)
		cancel()

		if r.metrics != nil {
			r.metrics.RecordProbe(serverID, err == nil)
		}

		if err != nil {
			consecutiveFailures++
			logger.WithError(err).Debugf("probe failed (%d consecutive)", consecutiveFailures)

			if consecutiveFailures >= r.config.FailureThreshold {
				if r.setHealth(serverID, false) {
					logger.Warnf("server marked unhealthy after %d consecutive probe failures", consecutiveFailures)
					r.updateHealthyGauge()
				}
			}
			continue
		}

		consecutiveFailures = 0
		if r.setHealth(serverID, true) {
			logger.Info("server healthy again")
			r.updateHealthyGauge()
		}
	}
}
