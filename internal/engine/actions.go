package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/eval"
	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

// runActions executes a fire's actions in order. The first error aborts
// the remainder; side effects of earlier actions stay applied.
func (e *Engine) runActions(ectx *eval.Context, r *rule.Rule, env fireEnv) error {
	return e.runActionList(ectx, r, env, r.Actions)
}

func (e *Engine) runActionList(ectx *eval.Context, r *rule.Rule, env fireEnv, actions []rule.Action) error {
	for _, a := range actions {
		if err := e.runAction(ectx, r, env, a); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runAction(ectx *eval.Context, r *rule.Rule, env fireEnv, act rule.Action) error {
	switch a := act.(type) {
	case rule.SetFact:
		if err := e.cascadeBudget(env); err != nil {
			return err
		}
		key, err := ectx.ResolveTemplate(a.Key)
		if err != nil {
			return err
		}
		v, err := ectx.ResolveStrict(a.Value)
		if err != nil {
			return err
		}
		e.facts.Set(key, v, "rule:"+r.ID)
		return nil

	case rule.DeleteFact:
		if err := e.cascadeBudget(env); err != nil {
			return err
		}
		key, err := ectx.ResolveTemplate(a.Key)
		if err != nil {
			return err
		}
		e.facts.Delete(key, "rule:"+r.ID)
		return nil

	case rule.EmitEvent:
		if err := e.cascadeBudget(env); err != nil {
			return err
		}
		topic, err := ectx.ResolveTemplate(a.Topic)
		if err != nil {
			return err
		}
		if pattern.HasWildcards(topic) {
			return errs.Validationf("emitted topic %q contains wildcards", topic)
		}
		data, err := ectx.ResolveStrict(a.Data)
		if err != nil {
			return err
		}
		dataMap, _ := data.(value.Map)
		ev := e.bus.NewEvent(topic, dataMap, bus.Meta{
			Source:        "rule:" + r.ID,
			CorrelationID: env.correlation,
			CausationID:   env.eventID,
		})
		e.metrics.EventsEmitted.Inc()
		e.queue.EnqueueTail(trigger{kind: triggerEvent, event: &ev, depth: env.depth + 1})
		return nil

	case rule.SetTimer:
		cfg := a.Timer
		name, err := ectx.ResolveTemplate(cfg.Name)
		if err != nil {
			return err
		}
		cfg.Name = name
		topic, err := ectx.ResolveTemplate(cfg.OnExpire.Topic)
		if err != nil {
			return err
		}
		cfg.OnExpire.Topic = topic
		if cfg.OnExpire.Data != nil {
			resolved, err := ectx.ResolveStrict(cfg.OnExpire.Data)
			if err != nil {
				return err
			}
			cfg.OnExpire.Data, _ = resolved.(value.Map)
		}
		return e.setTimerLocked(cfg)

	case rule.CancelTimer:
		name, err := ectx.ResolveTemplate(a.Name)
		if err != nil {
			return err
		}
		e.cancelTimerLocked(name)
		return nil

	case rule.CallService:
		args := make([]value.Value, len(a.Args))
		for i, arg := range a.Args {
			resolved, err := ectx.ResolveStrict(arg)
			if err != nil {
				return err
			}
			args[i] = resolved
		}
		result, err := e.services.Call(e.loopCtx, a.Service, a.Method, args)
		if err != nil {
			if errs.KindOf(err) == errs.KindUnavailable {
				return err
			}
			return errs.Wrapf(errs.KindServiceCall, err, "call %s.%s", a.Service, a.Method)
		}
		if result != nil {
			ectx.Vars[a.Method] = value.Clone(result)
		}
		return nil

	case rule.Log:
		msg, err := ectx.ResolveTemplate(a.Message)
		if err != nil {
			return err
		}
		e.logger.Log(context.Background(), logLevel(a.Level), msg, "rule_id", r.ID)
		return nil

	case rule.Conditional:
		pass, err := ectx.Evaluate(a.Conditions)
		if err != nil {
			return err
		}
		if pass {
			return e.runActionList(ectx, r, env, a.Then)
		}
		return e.runActionList(ectx, r, env, a.Else)
	}
	return errs.Internalf("unknown action type %T", act)
}

// cascadeBudget rejects consequences that would exceed the re-entrancy
// ceiling. Mutating actions check it before applying anything, so a fire
// at the limit fails cleanly instead of half-applying.
func (e *Engine) cascadeBudget(env fireEnv) error {
	if env.depth+1 > e.cfg.MaxEmitDepth {
		return errs.Validationf("emission depth %d exceeds limit %d, likely a rule cycle", env.depth+1, e.cfg.MaxEmitDepth)
	}
	return nil
}

// setTimerLocked validates and arms cfg, replacing any live timer with the
// same name, and mirrors the change to observers.
func (e *Engine) setTimerLocked(cfg rule.TimerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.timers.Set(cfg); err != nil {
		return err
	}
	e.metrics.ActiveTimers.Set(float64(e.timers.Len()))

	payload := value.Map{"name": value.String(cfg.Name)}
	if info, ok := e.timers.Get(cfg.Name); ok {
		payload["timerId"] = value.String(info.ID)
		payload["expiresAt"] = value.String(info.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	e.deliverInternalLocked(TopicTimerSet, categoryTimer, payload)
	return nil
}

// cancelTimerLocked cancels the named timer, reporting whether one was
// live. Cancelling a missing timer emits nothing.
func (e *Engine) cancelTimerLocked(name string) bool {
	ok := e.timers.Cancel(name)
	if !ok {
		return false
	}
	e.metrics.ActiveTimers.Set(float64(e.timers.Len()))
	e.deliverInternalLocked(TopicTimerCancelled, categoryTimer, value.Map{
		"name": value.String(name),
	})
	return true
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
