package inference

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

// RateLimited throttles calls to the wrapped provider. A caller whose context
// ends while waiting for a token gets a rate_limited error.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

func NewRateLimited(next Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *RateLimited) Invoke(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Kind: ErrRateLimited, Message: "waiting for provider quota", Err: err}
	}
	return p.next.Invoke(ctx, stage, req)
}
