package engine

import (
	"fmt"

	"github.com/rs/zerolog"
)

// PlanContext is the handle handlers receive. Every handler invocation gets its
// own view carrying the owning plugin's variables, while the action queue and
// models are shared through PlanContextData.
type PlanContext struct {
	data     *PlanContextData
	renderer TemplateRenderer
	logger   zerolog.Logger

	plugin  string
	matcher string
	env     map[string]string
}

// NewPlanContext wraps plan data for handler invocation.
func NewPlanContext(data *PlanContextData, renderer TemplateRenderer, logger zerolog.Logger) *PlanContext {
	return &PlanContext{
		data:     data,
		renderer: renderer,
		logger:   logger,
	}
}

// scoped returns a view bound to one plugin handler.
func (p *PlanContext) scoped(plugin, matcher string, env map[string]string) *PlanContext {
	return &PlanContext{
		data:     p.data,
		renderer: p.renderer,
		logger:   p.logger.With().Str("plugin", plugin).Str("matcher", matcher).Logger(),
		plugin:   plugin,
		matcher:  matcher,
		env:      env,
	}
}

// Data returns the shared plan state.
func (p *PlanContext) Data() *PlanContextData {
	return p.data
}

// Enqueue appends a named action to the queue.
func (p *PlanContext) Enqueue(name string, run ActionFunc) {
	p.EnqueueAction(Action{Name: name, Run: run})
}

// EnqueueAction appends an action to the queue.
func (p *PlanContext) EnqueueAction(a Action) {
	p.data.Actions = append(p.data.Actions, a)
	p.logger.Debug().Str("action", a.DisplayName()).Int("position", len(p.data.Actions)).Msg("Action enqueued")
}

// Actions returns the queued actions in order.
func (p *PlanContext) Actions() []Action {
	return p.data.Actions
}

// Values returns the resolved values of the target environment.
func (p *PlanContext) Values() map[string]interface{} {
	return p.data.CustomizedValues
}

// Plugin returns the name of the plugin the current handler belongs to.
func (p *PlanContext) Plugin() string {
	return p.plugin
}

// Env returns one of the current plugin's private variables.
func (p *PlanContext) Env(key string) string {
	return p.env[key]
}

// PluginEnv returns a copy of the current plugin's private variables.
func (p *PlanContext) PluginEnv() map[string]string {
	out := make(map[string]string, len(p.env))
	for k, v := range p.env {
		out[k] = v
	}
	return out
}

// Logger returns a logger annotated with the current plugin and matcher.
func (p *PlanContext) Logger() *zerolog.Logger {
	return &p.logger
}

// RenderTemplate renders a file relative to the working directory with the
// environment's values and records the result in the plan. A replayed plan
// returns the text recorded when it was made.
func (p *PlanContext) RenderTemplate(path string) (string, error) {
	if p.data.Replayed {
		text, ok := p.data.Rendered[path]
		if !ok {
			return "", NewStalePlanError(fmt.Sprintf("template %s was not rendered when the plan was made", path), nil).
				WithResource(p.data.PlanID)
		}
		return text, nil
	}
	if p.renderer == nil {
		return "", fmt.Errorf("no template renderer configured")
	}
	text, err := p.renderer.RenderTemplate(path, true, p.data.CustomizedValues)
	if err != nil {
		return "", err
	}
	if p.data.Rendered == nil {
		p.data.Rendered = make(map[string]string)
	}
	p.data.Rendered[path] = text
	return text, nil
}
