// Package trigger implements the rule engine that matches events flowing
// through the event bus against persisted Trigger rules and dispatches
// their actions. Grounded on the teacher's internal/conflicts/scorer.go for
// the pure-function condition-evaluation shape (ScorePair takes inputs,
// returns a verdict, no side effects) and internal/mcp/tools.go for the
// name-keyed registration/priority-ordered dispatch pattern.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hantei-ai/hantei/internal/eventbus"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

// Pipeline is the narrow slice of internal/pipeline.Pipeline the "judge"
// action needs, kept as an interface here to avoid a dependency cycle
// (pipeline doesn't need to know about triggers).
type Pipeline interface {
	Submit(ctx context.Context, item model.Item, pctx model.Context) (model.Judgment, error)
}

// Capabilities are the side-effecting actions supplied at construction for
// the non-judge, non-alert action kinds. Each is best-effort: a returned
// error is logged, never propagated back to the event that caused it.
type Capabilities struct {
	Log    func(ctx context.Context, t model.Trigger, payload any) error
	Notify func(ctx context.Context, t model.Trigger, payload any) error
	Block  func(ctx context.Context, t model.Trigger, payload any) error
	Review func(ctx context.Context, t model.Trigger, payload any) error
}

// Config controls the periodic-trigger timer cadence.
type Config struct {
	PeriodicInterval time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PeriodicInterval <= 0 {
		c.PeriodicInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine evaluates Trigger rules against bus events and invokes their
// actions. Triggers are loaded from Persistence at Start and every
// mutation is written through immediately.
type Engine struct {
	store    storage.Persistence
	bus      *eventbus.Bus
	pipeline Pipeline
	caps     Capabilities
	cfg      Config

	mu       sync.RWMutex
	triggers map[string]model.Trigger

	// judgeVisited carries a judge action's loop-prevention set forward to
	// the bus redelivery of the judgment it produced, keyed by judgment id
	// and consumed exactly once. Without this, the judgment published by
	// pipeline.Submit comes back through runEventLoop with a fresh nil
	// visited set, and a judge trigger whose condition matches its own
	// output re-fires without bound.
	judgeVisited sync.Map

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Engine. pipeline may be nil if no trigger in the
// initial rule set uses the "judge" action.
func New(store storage.Persistence, bus *eventbus.Bus, pipeline Pipeline, caps Capabilities, cfg Config) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		pipeline: pipeline,
		caps:     caps,
		cfg:      cfg.withDefaults(),
		triggers: make(map[string]model.Trigger),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start loads persisted triggers, subscribes to the event topics they
// watch plus the fixed judgment/alert topics, and begins the periodic
// timer. Must be called once.
func (e *Engine) Start(ctx context.Context) error {
	ts, err := e.store.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("trigger: load triggers: %w", err)
	}
	e.mu.Lock()
	for _, t := range ts {
		e.triggers[t.ID] = t
	}
	e.mu.Unlock()

	topics := map[string]bool{eventbus.TopicJudgment: true, eventbus.TopicAlert: true}
	e.mu.RLock()
	for _, t := range e.triggers {
		if t.Type != model.TriggerPeriodic && t.Topic != "" {
			topics[t.Topic] = true
		}
	}
	e.mu.RUnlock()

	topicList := make([]string, 0, len(topics))
	for t := range topics {
		topicList = append(topicList, t)
	}
	sub := e.bus.Subscribe(topicList...)

	go e.runEventLoop(sub)
	go e.runPeriodicLoop(ctx)
	return nil
}

// Stop halts the event and periodic loops and waits for the periodic loop
// to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *Engine) runEventLoop(sub *eventbus.Subscription) {
	defer e.bus.Unsubscribe(sub)
	for {
		select {
		case <-e.stopCh:
			return
		case ev, ok := <-sub.Recv():
			if !ok {
				return
			}
			e.handleEvent(context.Background(), ev, nil)
		}
	}
}

func (e *Engine) runPeriodicLoop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.firePeriodic(ctx)
		}
	}
}

func (e *Engine) firePeriodic(ctx context.Context) {
	matching := e.matchingTriggers(model.TriggerPeriodic, "", nil)
	e.dispatch(ctx, matching, nil, make(map[string]bool))
}

// handleEvent matches and dispatches triggers for one bus event. visited,
// when non-nil, carries the loop-prevention set forward from the judgment
// that produced this event (if any). When visited is nil and the event is
// a judgment produced by a judge action, the set stashed in judgeVisited
// by that action is recovered instead of defaulting to empty.
func (e *Engine) handleEvent(ctx context.Context, ev eventbus.Event, visited map[string]bool) {
	if visited == nil {
		if ev.Topic == eventbus.TopicJudgment {
			if j, ok := ev.Payload.(model.Judgment); ok {
				if v, ok := e.judgeVisited.LoadAndDelete(j.ID); ok {
					visited = v.(map[string]bool)
				}
			}
		}
	}
	if visited == nil {
		visited = make(map[string]bool)
	}
	matching := e.matchingEventTriggers(ev.Topic, ev.Payload)
	e.dispatch(ctx, matching, ev.Payload, visited)
}

// matchingEventTriggers selects enabled, non-periodic triggers for an
// incoming bus event. The event/pattern/threshold/composite trigger types
// share one data path (they all react to bus events) and differ only in
// how their condition expression is shaped: "pattern" conditions typically
// use the "matches" operator, "threshold" conditions a comparison operator,
// and "composite" conditions nest "all"/"any". evaluateCondition handles
// all of these uniformly.
func (e *Engine) matchingEventTriggers(topic string, payload any) []model.Trigger {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Trigger
	for _, t := range e.triggers {
		if !t.Enabled || t.Type == model.TriggerPeriodic {
			continue
		}
		if t.Topic != "" && t.Topic != topic {
			continue
		}
		if !evaluateCondition(t.Condition, payload) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (e *Engine) matchingTriggers(typ model.TriggerType, topic string, payload any) []model.Trigger {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Trigger
	for _, t := range e.triggers {
		if !t.Enabled || t.Type != typ {
			continue
		}
		if !evaluateCondition(t.Condition, payload) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// dispatch runs each matching trigger's action in priority order, skipping
// any trigger already present in visited (loop-prevention: a trigger whose
// judge action produced the judgment that triggered it must not re-fire).
func (e *Engine) dispatch(ctx context.Context, triggers []model.Trigger, payload any, visited map[string]bool) {
	for _, t := range triggers {
		if visited[t.ID] {
			continue
		}
		e.runAction(ctx, t, payload, visited)
	}
}

func (e *Engine) runAction(ctx context.Context, t model.Trigger, payload any, visited map[string]bool) {
	switch t.Action {
	case model.ActionJudge:
		if e.pipeline == nil {
			e.cfg.Logger.Warn("trigger: judge action configured with no pipeline wired", "trigger_id", t.ID)
			return
		}
		item, ok := extractItem(t.ActionConfig, payload)
		if !ok {
			e.cfg.Logger.Warn("trigger: judge action could not extract item from payload", "trigger_id", t.ID)
			return
		}
		childVisited := make(map[string]bool, len(visited)+1)
		for k := range visited {
			childVisited[k] = true
		}
		childVisited[t.ID] = true
		j, err := e.pipeline.Submit(ctx, item, model.Context{})
		if err != nil {
			e.cfg.Logger.Error("trigger: judge action failed", "trigger_id", t.ID, "error", err)
			return
		}
		// Submit publishes this judgment on the bus, which this engine is
		// itself subscribed to; stash childVisited so runEventLoop's
		// redelivery (the only dispatch of this judgment) picks it up
		// instead of treating it as a fresh, unvisited event.
		e.judgeVisited.Store(j.ID, childVisited)
	case model.ActionAlert:
		e.bus.Publish(ctx, eventbus.TopicAlert, map[string]any{
			"triggerId": t.ID, "triggerName": t.Name, "payload": payload,
		})
	case model.ActionLog:
		e.invokeCapability(ctx, e.caps.Log, t, payload, "log")
	case model.ActionNotify:
		e.invokeCapability(ctx, e.caps.Notify, t, payload, "notify")
	case model.ActionBlock:
		e.invokeCapability(ctx, e.caps.Block, t, payload, "block")
	case model.ActionReview:
		e.invokeCapability(ctx, e.caps.Review, t, payload, "review")
	default:
		e.cfg.Logger.Warn("trigger: unknown action", "trigger_id", t.ID, "action", t.Action)
	}
}

func (e *Engine) invokeCapability(ctx context.Context, fn func(context.Context, model.Trigger, any) error, t model.Trigger, payload any, name string) {
	if fn == nil {
		e.cfg.Logger.Debug("trigger: action has no capability wired, skipping", "trigger_id", t.ID, "action", name)
		return
	}
	if err := fn(ctx, t, payload); err != nil {
		e.cfg.Logger.Error("trigger: action failed", "trigger_id", t.ID, "action", name, "error", err)
	}
}

// extractItem builds a model.Item from payload using actionConfig's
// "extract" mapping: a set of {itemField: payloadField} string pairs.
// Unmapped fields keep their zero value.
func extractItem(actionConfig map[string]interface{}, payload any) (model.Item, bool) {
	pm, ok := toMap(payload)
	if !ok {
		return model.Item{}, false
	}
	extract, _ := actionConfig["extract"].(map[string]interface{})

	item := model.Item{}
	if field, ok := extract["type"].(string); ok {
		if v, ok := pm[field].(string); ok {
			item.Type = v
		}
	} else if v, ok := pm["type"].(string); ok {
		item.Type = v
	}
	if field, ok := extract["content"].(string); ok {
		if v, ok := pm[field].(string); ok {
			item.Content = v
		}
	} else if v, ok := pm["content"].(string); ok {
		item.Content = v
	}
	if item.Type == "" {
		item.Type = "trigger-derived"
	}
	return item, item.Content != ""
}

// UpsertTrigger validates and persists t, then installs it into the live
// rule set. When t.ID is empty (a new trigger), the id is generated here and
// returned in the result so the caller can later enable/disable/delete it;
// storage.UpsertTrigger must not be relied on to generate and hand back an
// id since its receiver takes t by value.
func (e *Engine) UpsertTrigger(ctx context.Context, t model.Trigger) (model.Trigger, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := e.store.UpsertTrigger(ctx, t); err != nil {
		return model.Trigger{}, fmt.Errorf("trigger: upsert: %w", err)
	}
	e.mu.Lock()
	e.triggers[t.ID] = t
	e.mu.Unlock()
	return t, nil
}

// SetTriggerEnabled flips a trigger's enabled flag in both Persistence and
// the live rule set, mirroring UpsertTrigger/DeleteTrigger's write-through
// pattern so the engine's cached copy never goes stale.
func (e *Engine) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	if err := e.store.SetTriggerEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("trigger: set enabled: %w", err)
	}
	e.mu.Lock()
	if t, ok := e.triggers[id]; ok {
		t.Enabled = enabled
		e.triggers[id] = t
	}
	e.mu.Unlock()
	return nil
}

// Process manually evaluates every matching enabled trigger against payload
// as if it had arrived on topic via the bus, without actually publishing it.
// Useful for dry-running a new trigger's condition, or replaying a payload a
// subscriber missed. Runs with a fresh loop-prevention set, same as any
// organically-arriving event.
func (e *Engine) Process(ctx context.Context, topic string, payload any) {
	e.handleEvent(ctx, eventbus.Event{Topic: topic, Payload: payload}, nil)
}

// DeleteTrigger removes t from Persistence and the live rule set.
func (e *Engine) DeleteTrigger(ctx context.Context, id string) error {
	if err := e.store.DeleteTrigger(ctx, id); err != nil {
		return fmt.Errorf("trigger: delete: %w", err)
	}
	e.mu.Lock()
	delete(e.triggers, id)
	e.mu.Unlock()
	return nil
}

// List returns a snapshot of the live rule set.
func (e *Engine) List() []model.Trigger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
