// Package actions is the boundary where planned actions meet the browser.
// Placeholders in an action's parameters are resolved immediately before
// that action runs, against the URL the browser is on at that moment.
package actions

import (
	"context"
	"fmt"
	"time"

	"browsernerd/internal/logging"
	"browsernerd/internal/scoping"

	"go.uber.org/zap"
)

// Action is one browser action chosen by the planner. Params may contain
// secret placeholders.
type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Executor runs actions in a browser.
type Executor interface {
	CurrentURL(ctx context.Context) (string, error)
	Execute(ctx context.Context, action string, params map[string]any) error
}

// Result reports one dispatched action. It never carries secret values.
type Result struct {
	Action     string
	URL        string
	Resolved   []string
	Unresolved []string
}

// Dispatcher resolves and executes actions one at a time.
type Dispatcher struct {
	engine *scoping.Engine
	exec   Executor
	logger *zap.Logger
}

// NewDispatcher builds a dispatcher. A nil logger uses the actions category.
func NewDispatcher(engine *scoping.Engine, exec Executor, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, exec: exec, logger: logging.Or(logger, logging.CategoryActions)}
}

// Dispatch executes actions in order. Before each action the current URL is
// read again, since an earlier action may have navigated. It stops at the
// first failing action and returns the results of those that ran.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []Action) ([]Result, error) {
	results := make([]Result, 0, len(batch))
	for i, a := range batch {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		url, err := d.exec.CurrentURL(ctx)
		if err != nil {
			// Unknown URL: only global secrets apply.
			d.logger.Warn("current url unavailable, resolving without scope",
				zap.String("action", a.Name), zap.Error(err))
			url = ""
		}

		params, res := d.engine.ResolveParams(a.Params, url)
		result := Result{Action: a.Name, URL: url, Resolved: res.Resolved, Unresolved: res.Unresolved}
		if len(res.Unresolved) > 0 {
			d.logger.Info("action has placeholders not applicable on this page",
				zap.String("action", a.Name),
				zap.String("url", url),
				zap.Strings("secrets", res.Unresolved))
		}

		audit := logging.Audit()
		audit.SecretUse(a.Name, url, res.Resolved, res.Unresolved)

		start := time.Now()
		if err := d.exec.Execute(ctx, a.Name, params); err != nil {
			audit.ActionComplete(a.Name, url, time.Since(start).Milliseconds(), d.engine.FilterOutbound(err.Error()))
			return results, fmt.Errorf("action %d (%s): %w", i, a.Name, err)
		}
		audit.ActionComplete(a.Name, url, time.Since(start).Milliseconds(), "")
		d.logger.Debug("action executed", zap.String("action", a.Name), zap.String("url", url))
		results = append(results, result)
	}
	return results, nil
}
