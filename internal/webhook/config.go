package webhook

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/keel/internal/config"
)

// FromGlobalConfig converts the webhooks section of the keel config.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}
	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}
	for i, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}
		var maxBody int64
		if ep.MaxBodySize != "" {
			n, err := humanize.ParseBytes(ep.MaxBodySize)
			if err != nil {
				return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
			}
			if n == 0 || n > 1<<40 {
				return Config{}, fmt.Errorf("webhook endpoint %q: max_body_size out of range", ep.Path)
			}
			maxBody = int64(n)
		}
		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			EventHeader:     ep.EventHeader,
			Workflows:       ep.Workflows,
			MaxBodySize:     maxBody,
		}
	}
	return cfg, nil
}
