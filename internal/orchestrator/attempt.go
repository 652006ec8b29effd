package orchestrator

import (
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/router/adapters"
)

// Outcome of one execution attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeQuotaRejected Outcome = "quota_rejected"
	OutcomeRateLimited   Outcome = Outcome(adapters.KindRateLimited)
	OutcomeAuthError     Outcome = Outcome(adapters.KindAuth)
	OutcomeTimeout       Outcome = Outcome(adapters.KindTimeout)
	OutcomeTransient     Outcome = Outcome(adapters.KindTransient)
	OutcomeUnsupported   Outcome = Outcome(adapters.KindUnsupported)
	OutcomeNoClient      Outcome = "no_client"
)

// Attempt is one try of one candidate for one request. It is never persisted.
type Attempt struct {
	ID        string        `json:"id"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	StartedAt time.Time     `json:"started_at"`
	Outcome   Outcome       `json:"outcome"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

// candidate is a provider/model pair queued for dispatch. Held-back
// candidates failed admission and are only tried after every admissible one.
type candidate struct {
	provider string
	model    string
	context  int
	estimate int
	heldBack bool
	wait     time.Duration
}
