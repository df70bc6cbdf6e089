package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/config"
)

// fallbackRole handles tasks whose role has no agent of its own.
const fallbackRole = "coder"

// agentSet is everything a run needs from the configured agents.
type agentSet struct {
	invoker  *agent.Registry
	reviewer agent.Reviewer
	planner  agent.Planner
	backends []backend.Backend
}

// Close releases every backend.
func (s *agentSet) Close() error {
	var errs []error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *agentSet) open(cfg *config.Config, role string, pm *backend.ProcessManager) (backend.Backend, error) {
	bc, err := cfg.BackendConfig(role)
	if err != nil {
		return nil, err
	}
	b, err := backend.New(bc, pm)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", role, err)
	}
	s.backends = append(s.backends, b)
	return b, nil
}

// buildAgents creates one backend per configured agent. A non-nil plan replaces
// the planner agent with a FilePlanner.
func buildAgents(cfg *config.Config, pm *backend.ProcessManager, plan *agent.Plan, logger *zap.Logger) (*agentSet, error) {
	set := &agentSet{}
	fail := func(err error) (*agentSet, error) {
		set.Close()
		return nil, err
	}

	roles := cfg.WorkerRoles()
	invokers := make(map[string]agent.Invoker, len(roles))
	for _, role := range roles {
		b, err := set.open(cfg, role, pm)
		if err != nil {
			return fail(err)
		}
		ac := cfg.Agents[role]
		invokers[role] = agent.NewBackendInvoker(role, b, ac.SystemPrompt, ac.TierModels(), logger)
	}

	set.invoker = agent.NewRegistry(invokers[fallbackRole])
	for role, inv := range invokers {
		set.invoker.Register(role, inv)
	}

	rb, err := set.open(cfg, cfg.Reviewer, pm)
	if err != nil {
		return fail(err)
	}
	rc := cfg.Agents[cfg.Reviewer]
	set.reviewer = agent.NewBackendReviewer(rb, rc.SystemPrompt, rc.Model, logger)

	if plan != nil {
		set.planner = agent.NewFilePlanner(plan)
		return set, nil
	}

	pb, err := set.open(cfg, cfg.Planner, pm)
	if err != nil {
		return fail(err)
	}
	pc := cfg.Agents[cfg.Planner]
	set.planner = agent.NewBackendPlanner(pb, pc.SystemPrompt, pc.Model, roles, logger)
	return set, nil
}
