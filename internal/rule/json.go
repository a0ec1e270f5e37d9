package rule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/reflex/internal/value"
)

// The wire encoding is the canonical rule shape shared by the YAML and
// CUE loaders, the version store and snapshot persistence. Every sealed
// union serializes as an object with a "type" discriminator; durations
// serialize as shorthand strings and decode from strings or numbers of
// milliseconds.

type wireDuration time.Duration

func (d wireDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatDuration(time.Duration(d)))
}

func (d *wireDuration) UnmarshalJSON(data []byte) error {
	v, err := value.FromJSON(data)
	if err != nil {
		return err
	}
	parsed, err := DurationFromValue(v)
	if err != nil {
		return err
	}
	*d = wireDuration(parsed)
	return nil
}

type ruleWire struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Priority    float64           `json:"priority,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Group       string            `json:"group,omitempty"`
	Trigger     json.RawMessage   `json:"trigger"`
	Lookups     []lookupWire      `json:"lookups,omitempty"`
	Conditions  []conditionWire   `json:"conditions,omitempty"`
	Actions     []json.RawMessage `json:"actions"`
	Version     int64             `json:"version,omitempty"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
}

type lookupWire struct {
	Name     string            `json:"name"`
	Service  string            `json:"service"`
	Method   string            `json:"method"`
	Args     []json.RawMessage `json:"args,omitempty"`
	CacheTTL *wireDuration     `json:"cacheTtl,omitempty"`
	OnError  string            `json:"onError,omitempty"`
}

type conditionWire struct {
	Source   json.RawMessage `json:"source"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value,omitempty"`
}

type matcherWire struct {
	Topic  string    `json:"topic"`
	Filter value.Map `json:"filter,omitempty"`
	As     string    `json:"as,omitempty"`
}

type timerConfigWire struct {
	Name     string        `json:"name"`
	Duration *wireDuration `json:"duration,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	Repeat   *repeatWire   `json:"repeat,omitempty"`
	OnExpire emissionWire  `json:"onExpire"`
}

type repeatWire struct {
	Interval wireDuration `json:"interval"`
	MaxCount int          `json:"maxCount,omitempty"`
}

type emissionWire struct {
	Topic string    `json:"topic"`
	Data  value.Map `json:"data,omitempty"`
}

// MarshalJSON implements json.Marshaler for Rule.
func (r Rule) MarshalJSON() ([]byte, error) {
	w := ruleWire{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Priority:    r.Priority,
		Enabled:     &r.Enabled,
		Tags:        r.Tags,
		Group:       r.Group,
		Version:     r.Version,
	}
	if !r.CreatedAt.IsZero() {
		t := r.CreatedAt
		w.CreatedAt = &t
	}
	if !r.UpdatedAt.IsZero() {
		t := r.UpdatedAt
		w.UpdatedAt = &t
	}

	trigger, err := marshalTrigger(r.Trigger)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	w.Trigger = trigger

	for _, l := range r.Lookups {
		lw, err := marshalLookup(l)
		if err != nil {
			return nil, fmt.Errorf("rule %q lookup %q: %w", r.ID, l.Name, err)
		}
		w.Lookups = append(w.Lookups, lw)
	}
	for i, c := range r.Conditions {
		cw, err := marshalCondition(c)
		if err != nil {
			return nil, fmt.Errorf("rule %q condition %d: %w", r.ID, i, err)
		}
		w.Conditions = append(w.Conditions, cw)
	}
	w.Actions = make([]json.RawMessage, 0, len(r.Actions))
	for i, a := range r.Actions {
		aw, err := marshalAction(a)
		if err != nil {
			return nil, fmt.Errorf("rule %q action %d: %w", r.ID, i, err)
		}
		w.Actions = append(w.Actions, aw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler for Rule.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Rule{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Priority:    w.Priority,
		Enabled:     w.Enabled == nil || *w.Enabled,
		Tags:        w.Tags,
		Group:       w.Group,
		Version:     w.Version,
	}
	if w.CreatedAt != nil {
		out.CreatedAt = *w.CreatedAt
	}
	if w.UpdatedAt != nil {
		out.UpdatedAt = *w.UpdatedAt
	}

	trigger, err := unmarshalTrigger(w.Trigger)
	if err != nil {
		return fmt.Errorf("rule %q: %w", w.ID, err)
	}
	out.Trigger = trigger

	for _, lw := range w.Lookups {
		l, err := unmarshalLookup(lw)
		if err != nil {
			return fmt.Errorf("rule %q lookup %q: %w", w.ID, lw.Name, err)
		}
		out.Lookups = append(out.Lookups, l)
	}
	for i, cw := range w.Conditions {
		c, err := unmarshalCondition(cw)
		if err != nil {
			return fmt.Errorf("rule %q condition %d: %w", w.ID, i, err)
		}
		out.Conditions = append(out.Conditions, c)
	}
	for i, aw := range w.Actions {
		a, err := unmarshalAction(aw)
		if err != nil {
			return fmt.Errorf("rule %q action %d: %w", w.ID, i, err)
		}
		out.Actions = append(out.Actions, a)
	}
	*r = out
	return nil
}

// ParseJSON decodes a single rule from its canonical JSON form.
func ParseJSON(data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func marshalTrigger(t Trigger) (json.RawMessage, error) {
	switch tr := t.(type) {
	case EventTrigger:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Topic string `json:"topic"`
		}{"event", tr.Topic})
	case FactTrigger:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Pattern string `json:"pattern"`
		}{"fact", tr.Pattern})
	case TimerTrigger:
		return json.Marshal(struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}{"timer", tr.Name})
	case TemporalTrigger:
		pattern, err := marshalTemporalPattern(tr.Pattern)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type    string          `json:"type"`
			Pattern json.RawMessage `json:"pattern"`
		}{"temporal", pattern})
	case nil:
		return nil, fmt.Errorf("missing trigger")
	default:
		return nil, fmt.Errorf("unknown trigger type %T", t)
	}
}

func unmarshalTrigger(data json.RawMessage) (Trigger, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("missing trigger")
	}
	kind, err := peekType(data)
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	switch kind {
	case "event":
		var w struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return EventTrigger{Topic: w.Topic}, nil
	case "fact":
		var w struct {
			Pattern string `json:"pattern"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return FactTrigger{Pattern: w.Pattern}, nil
	case "timer":
		var w struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return TimerTrigger{Name: w.Name}, nil
	case "temporal":
		var w struct {
			Pattern json.RawMessage `json:"pattern"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		pattern, err := unmarshalTemporalPattern(w.Pattern)
		if err != nil {
			return nil, err
		}
		return TemporalTrigger{Pattern: pattern}, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", kind)
	}
}

func marshalTemporalPattern(p TemporalPattern) (json.RawMessage, error) {
	switch pt := p.(type) {
	case Sequence:
		return json.Marshal(struct {
			Type    string        `json:"type"`
			Events  []matcherWire `json:"events"`
			Within  wireDuration  `json:"within"`
			GroupBy string        `json:"groupBy,omitempty"`
			Strict  bool          `json:"strict,omitempty"`
		}{"sequence", marshalMatchers(pt.Events), wireDuration(pt.Within), pt.GroupBy, pt.Strict})
	case Absence:
		return json.Marshal(struct {
			Type     string       `json:"type"`
			After    matcherWire  `json:"after"`
			Expected matcherWire  `json:"expected"`
			Within   wireDuration `json:"within"`
			GroupBy  string       `json:"groupBy,omitempty"`
		}{"absence", marshalMatcher(pt.After), marshalMatcher(pt.Expected), wireDuration(pt.Within), pt.GroupBy})
	case Count:
		return json.Marshal(struct {
			Type       string       `json:"type"`
			Event      matcherWire  `json:"event"`
			Threshold  int          `json:"threshold"`
			Comparison string       `json:"comparison"`
			Window     wireDuration `json:"window"`
			GroupBy    string       `json:"groupBy,omitempty"`
			Sliding    bool         `json:"sliding,omitempty"`
		}{"count", marshalMatcher(pt.Event), pt.Threshold, string(pt.Comparison), wireDuration(pt.Window), pt.GroupBy, pt.Sliding})
	case Aggregate:
		return json.Marshal(struct {
			Type       string       `json:"type"`
			Event      matcherWire  `json:"event"`
			Field      string       `json:"field"`
			Function   string       `json:"function"`
			Threshold  float64      `json:"threshold"`
			Comparison string       `json:"comparison"`
			Window     wireDuration `json:"window"`
			GroupBy    string       `json:"groupBy,omitempty"`
		}{"aggregate", marshalMatcher(pt.Event), pt.Field, string(pt.Function), pt.Threshold, string(pt.Comparison), wireDuration(pt.Window), pt.GroupBy})
	case nil:
		return nil, fmt.Errorf("missing temporal pattern")
	default:
		return nil, fmt.Errorf("unknown temporal pattern type %T", p)
	}
}

func unmarshalTemporalPattern(data json.RawMessage) (TemporalPattern, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("missing temporal pattern")
	}
	kind, err := peekType(data)
	if err != nil {
		return nil, fmt.Errorf("temporal pattern: %w", err)
	}
	switch kind {
	case "sequence":
		var w struct {
			Events  []matcherWire `json:"events"`
			Within  wireDuration  `json:"within"`
			GroupBy string        `json:"groupBy"`
			Strict  bool          `json:"strict"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Sequence{
			Events:  unmarshalMatchers(w.Events),
			Within:  time.Duration(w.Within),
			GroupBy: w.GroupBy,
			Strict:  w.Strict,
		}, nil
	case "absence":
		var w struct {
			After    matcherWire  `json:"after"`
			Expected matcherWire  `json:"expected"`
			Within   wireDuration `json:"within"`
			GroupBy  string       `json:"groupBy"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Absence{
			After:    unmarshalMatcher(w.After),
			Expected: unmarshalMatcher(w.Expected),
			Within:   time.Duration(w.Within),
			GroupBy:  w.GroupBy,
		}, nil
	case "count":
		var w struct {
			Event      matcherWire  `json:"event"`
			Threshold  int          `json:"threshold"`
			Comparison string       `json:"comparison"`
			Window     wireDuration `json:"window"`
			GroupBy    string       `json:"groupBy"`
			Sliding    bool         `json:"sliding"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Count{
			Event:      unmarshalMatcher(w.Event),
			Threshold:  w.Threshold,
			Comparison: CountComparison(w.Comparison),
			Window:     time.Duration(w.Window),
			GroupBy:    w.GroupBy,
			Sliding:    w.Sliding,
		}, nil
	case "aggregate":
		var w struct {
			Event      matcherWire  `json:"event"`
			Field      string       `json:"field"`
			Function   string       `json:"function"`
			Threshold  float64      `json:"threshold"`
			Comparison string       `json:"comparison"`
			Window     wireDuration `json:"window"`
			GroupBy    string       `json:"groupBy"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Aggregate{
			Event:      unmarshalMatcher(w.Event),
			Field:      w.Field,
			Function:   AggregateFunc(w.Function),
			Threshold:  w.Threshold,
			Comparison: CountComparison(w.Comparison),
			Window:     time.Duration(w.Window),
			GroupBy:    w.GroupBy,
		}, nil
	default:
		return nil, fmt.Errorf("unknown temporal pattern type %q", kind)
	}
}

func marshalMatcher(m EventMatcher) matcherWire {
	return matcherWire{Topic: m.Topic, Filter: m.Filter, As: m.As}
}

func marshalMatchers(ms []EventMatcher) []matcherWire {
	out := make([]matcherWire, len(ms))
	for i, m := range ms {
		out[i] = marshalMatcher(m)
	}
	return out
}

func unmarshalMatcher(w matcherWire) EventMatcher {
	return EventMatcher{Topic: w.Topic, Filter: normalizeMapValues(w.Filter), As: w.As}
}

func unmarshalMatchers(ws []matcherWire) []EventMatcher {
	if ws == nil {
		return nil
	}
	out := make([]EventMatcher, len(ws))
	for i, w := range ws {
		out[i] = unmarshalMatcher(w)
	}
	return out
}

func marshalLookup(l Lookup) (lookupWire, error) {
	w := lookupWire{
		Name:    l.Name,
		Service: l.Service,
		Method:  l.Method,
		OnError: string(l.OnError),
	}
	for i, arg := range l.Args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return w, fmt.Errorf("arg %d: %w", i, err)
		}
		w.Args = append(w.Args, raw)
	}
	if l.CacheTTL > 0 {
		ttl := wireDuration(l.CacheTTL)
		w.CacheTTL = &ttl
	}
	return w, nil
}

func unmarshalLookup(w lookupWire) (Lookup, error) {
	l := Lookup{
		Name:    w.Name,
		Service: w.Service,
		Method:  w.Method,
		OnError: OnError(w.OnError),
	}
	if l.OnError == "" {
		l.OnError = OnErrorSkip
	}
	for i, raw := range w.Args {
		arg, err := value.FromJSON(raw)
		if err != nil {
			return l, fmt.Errorf("arg %d: %w", i, err)
		}
		l.Args = append(l.Args, value.NormalizeRefs(arg))
	}
	if w.CacheTTL != nil {
		l.CacheTTL = time.Duration(*w.CacheTTL)
	}
	return l, nil
}

func marshalCondition(c Condition) (conditionWire, error) {
	src, err := marshalSource(c.Source)
	if err != nil {
		return conditionWire{}, err
	}
	w := conditionWire{Source: src, Operator: string(c.Operator)}
	if c.Value != nil {
		raw, err := json.Marshal(c.Value)
		if err != nil {
			return w, err
		}
		w.Value = raw
	}
	return w, nil
}

func unmarshalCondition(w conditionWire) (Condition, error) {
	src, err := unmarshalSource(w.Source)
	if err != nil {
		return Condition{}, err
	}
	c := Condition{Source: src, Operator: Operator(w.Operator)}
	if len(w.Value) > 0 {
		v, err := value.FromJSON(w.Value)
		if err != nil {
			return c, err
		}
		c.Value = value.NormalizeRefs(v)
	}
	return c, nil
}

func marshalSource(s Source) (json.RawMessage, error) {
	switch src := s.(type) {
	case EventSource:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Field string `json:"field,omitempty"`
		}{"event", src.Field})
	case FactSource:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Pattern string `json:"pattern"`
		}{"fact", src.Pattern})
	case ContextSource:
		return json.Marshal(struct {
			Type string `json:"type"`
			Key  string `json:"key"`
		}{"context", src.Key})
	case LookupSource:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Name  string `json:"name"`
			Field string `json:"field,omitempty"`
		}{"lookup", src.Name, src.Field})
	case nil:
		return nil, fmt.Errorf("missing source")
	default:
		return nil, fmt.Errorf("unknown source type %T", s)
	}
}

func unmarshalSource(data json.RawMessage) (Source, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("missing source")
	}
	kind, err := peekType(data)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	switch kind {
	case "event":
		var w struct {
			Field string `json:"field"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return EventSource{Field: w.Field}, nil
	case "fact":
		var w struct {
			Pattern string `json:"pattern"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return FactSource{Pattern: w.Pattern}, nil
	case "context":
		var w struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return ContextSource{Key: w.Key}, nil
	case "lookup":
		var w struct {
			Name  string `json:"name"`
			Field string `json:"field"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return LookupSource{Name: w.Name, Field: w.Field}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", kind)
	}
}

func marshalAction(a Action) (json.RawMessage, error) {
	switch act := a.(type) {
	case SetFact:
		raw, err := json.Marshal(act.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}{"set_fact", act.Key, raw})
	case DeleteFact:
		return json.Marshal(struct {
			Type string `json:"type"`
			Key  string `json:"key"`
		}{"delete_fact", act.Key})
	case EmitEvent:
		return json.Marshal(struct {
			Type  string    `json:"type"`
			Topic string    `json:"topic"`
			Data  value.Map `json:"data,omitempty"`
		}{"emit_event", act.Topic, act.Data})
	case SetTimer:
		tw, err := marshalTimerConfig(act.Timer)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			Timer timerConfigWire `json:"timer"`
		}{"set_timer", tw})
	case CancelTimer:
		return json.Marshal(struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}{"cancel_timer", act.Name})
	case CallService:
		args := make([]json.RawMessage, 0, len(act.Args))
		for i, arg := range act.Args {
			raw, err := json.Marshal(arg)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			args = append(args, raw)
		}
		return json.Marshal(struct {
			Type    string            `json:"type"`
			Service string            `json:"service"`
			Method  string            `json:"method"`
			Args    []json.RawMessage `json:"args,omitempty"`
		}{"call_service", act.Service, act.Method, args})
	case Log:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Level   string `json:"level,omitempty"`
			Message string `json:"message"`
		}{"log", act.Level, act.Message})
	case Conditional:
		conds := make([]conditionWire, 0, len(act.Conditions))
		for i, c := range act.Conditions {
			cw, err := marshalCondition(c)
			if err != nil {
				return nil, fmt.Errorf("condition %d: %w", i, err)
			}
			conds = append(conds, cw)
		}
		thenActs, err := marshalActions(act.Then)
		if err != nil {
			return nil, fmt.Errorf("then: %w", err)
		}
		elseActs, err := marshalActions(act.Else)
		if err != nil {
			return nil, fmt.Errorf("else: %w", err)
		}
		return json.Marshal(struct {
			Type       string            `json:"type"`
			Conditions []conditionWire   `json:"conditions"`
			Then       []json.RawMessage `json:"then"`
			Else       []json.RawMessage `json:"else,omitempty"`
		}{"conditional", conds, thenActs, elseActs})
	case nil:
		return nil, fmt.Errorf("missing action")
	default:
		return nil, fmt.Errorf("unknown action type %T", a)
	}
}

func marshalActions(actions []Action) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(actions))
	for i, a := range actions {
		raw, err := marshalAction(a)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func unmarshalAction(data json.RawMessage) (Action, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("missing action")
	}
	kind, err := peekType(data)
	if err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	switch kind {
	case "set_fact":
		var w struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		v, err := value.FromJSON(w.Value)
		if err != nil {
			return nil, err
		}
		return SetFact{Key: w.Key, Value: value.NormalizeRefs(v)}, nil
	case "delete_fact":
		var w struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return DeleteFact{Key: w.Key}, nil
	case "emit_event":
		var w struct {
			Topic string    `json:"topic"`
			Data  value.Map `json:"data"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return EmitEvent{Topic: w.Topic, Data: normalizeMapValues(w.Data)}, nil
	case "set_timer":
		var w struct {
			Timer timerConfigWire `json:"timer"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		cfg, err := unmarshalTimerConfig(w.Timer)
		if err != nil {
			return nil, err
		}
		return SetTimer{Timer: cfg}, nil
	case "cancel_timer":
		var w struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return CancelTimer{Name: w.Name}, nil
	case "call_service":
		var w struct {
			Service string            `json:"service"`
			Method  string            `json:"method"`
			Args    []json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		act := CallService{Service: w.Service, Method: w.Method}
		for i, raw := range w.Args {
			arg, err := value.FromJSON(raw)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			act.Args = append(act.Args, value.NormalizeRefs(arg))
		}
		return act, nil
	case "log":
		var w struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return Log{Level: w.Level, Message: w.Message}, nil
	case "conditional":
		var w struct {
			Conditions []conditionWire   `json:"conditions"`
			Then       []json.RawMessage `json:"then"`
			Else       []json.RawMessage `json:"else"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		act := Conditional{}
		for i, cw := range w.Conditions {
			c, err := unmarshalCondition(cw)
			if err != nil {
				return nil, fmt.Errorf("condition %d: %w", i, err)
			}
			act.Conditions = append(act.Conditions, c)
		}
		for i, raw := range w.Then {
			a, err := unmarshalAction(raw)
			if err != nil {
				return nil, fmt.Errorf("then action %d: %w", i, err)
			}
			act.Then = append(act.Then, a)
		}
		for i, raw := range w.Else {
			a, err := unmarshalAction(raw)
			if err != nil {
				return nil, fmt.Errorf("else action %d: %w", i, err)
			}
			act.Else = append(act.Else, a)
		}
		return act, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", kind)
	}
}

func marshalTimerConfig(cfg TimerConfig) (timerConfigWire, error) {
	w := timerConfigWire{
		Name: cfg.Name,
		Cron: cfg.Cron,
		OnExpire: emissionWire{
			Topic: cfg.OnExpire.Topic,
			Data:  cfg.OnExpire.Data,
		},
	}
	if cfg.Duration > 0 {
		d := wireDuration(cfg.Duration)
		w.Duration = &d
	}
	if cfg.Repeat != nil {
		w.Repeat = &repeatWire{
			Interval: wireDuration(cfg.Repeat.Interval),
			MaxCount: cfg.Repeat.MaxCount,
		}
	}
	return w, nil
}

func unmarshalTimerConfig(w timerConfigWire) (TimerConfig, error) {
	cfg := TimerConfig{
		Name: w.Name,
		Cron: w.Cron,
		OnExpire: Emission{
			Topic: w.OnExpire.Topic,
			Data:  normalizeMapValues(w.OnExpire.Data),
		},
	}
	if w.Duration != nil {
		cfg.Duration = time.Duration(*w.Duration)
	}
	if w.Repeat != nil {
		cfg.Repeat = &Repeat{
			Interval: time.Duration(w.Repeat.Interval),
			MaxCount: w.Repeat.MaxCount,
		}
	}
	return cfg, nil
}

// normalizeMapValues applies reference normalization to each entry of m
// without collapsing m itself, so a payload consisting of a single "ref"
// key stays a map.
func normalizeMapValues(m value.Map) value.Map {
	if m == nil {
		return nil
	}
	out := make(value.Map, len(m))
	for k, v := range m {
		out[k] = value.NormalizeRefs(v)
	}
	return out
}

// peekType extracts the "type" discriminator from a union object.
func peekType(data json.RawMessage) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	if probe.Type == "" {
		return "", fmt.Errorf("missing type discriminator")
	}
	return probe.Type, nil
}

type groupWire struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// MarshalJSON implements json.Marshaler for Group.
func (g Group) MarshalJSON() ([]byte, error) {
	w := groupWire{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Enabled:     &g.Enabled,
	}
	if !g.CreatedAt.IsZero() {
		t := g.CreatedAt
		w.CreatedAt = &t
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler for Group.
func (g *Group) UnmarshalJSON(data []byte) error {
	var w groupWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*g = Group{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Enabled:     w.Enabled == nil || *w.Enabled,
	}
	if w.CreatedAt != nil {
		g.CreatedAt = *w.CreatedAt
	}
	return nil
}
