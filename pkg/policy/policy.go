// Package policy evaluates per-route Rego modules. A route with no policy
// module is always allowed; a module that fails to prepare or evaluate
// denies, so misconfigured policy fails closed.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Query is the entrypoint every route policy module must define.
const Query = "data.route.allow"

type Service struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	prepared map[string]rego.PreparedEvalQuery
}

func NewService(log *zap.SugaredLogger) *Service {
	return &Service{log: log, prepared: map[string]rego.PreparedEvalQuery{}}
}

// Evaluate runs the module's route.allow rule against the input. Modules are
// fixed at publish time, so prepared queries are cached by content hash.
func (s *Service) Evaluate(ctx context.Context, module string, input map[string]any) (bool, error) {
	if module == "" {
		return true, nil
	}

	pq, err := s.prepare(ctx, module)
	if err != nil {
		return false, err
	}

	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

func (s *Service) prepare(ctx context.Context, module string) (rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(module))
	key := hex.EncodeToString(sum[:])

	s.mu.RLock()
	pq, ok := s.prepared[key]
	s.mu.RUnlock()
	if ok {
		return pq, nil
	}

	pq, err := rego.New(
		rego.Query(Query),
		rego.Module("route.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}

	s.mu.Lock()
	s.prepared[key] = pq
	s.mu.Unlock()
	return pq, nil
}
