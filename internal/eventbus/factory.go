package eventbus

import (
	"github.com/kandev/agentsd/internal/config"
	"github.com/kandev/agentsd/internal/logx"
)

// New selects the NATS-backed bus when cfg.URL is set, otherwise the
// in-memory bus.
func New(cfg config.NATSConfig, log *logx.Logger) (Bus, error) {
	if cfg.URL == "" {
		log.Info("nats url not configured, using in-memory event bus")
		return NewMemory(log), nil
	}
	return NewNATS(cfg, log)
}
