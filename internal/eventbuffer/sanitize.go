package eventbuffer

import "github.com/asheshgoplani/ptydeck/internal/events"

// Redacted replaces user content in stored records.
const Redacted = "[REDACTED]"

// sensitiveKeys maps event types that carry user content to the JSON key of
// that content.
var sensitiveKeys = map[events.Type]string{
	events.TypeAgentOutput: "data",
	events.TypeTaskCreated: "description",
}

// Sanitize returns a copy of payload with user content replaced by Redacted.
// Payloads of other types are returned unchanged. Applying it twice yields
// the same result as applying it once.
func Sanitize(t events.Type, payload any) any {
	key, ok := sensitiveKeys[t]
	if !ok {
		return payload
	}

	switch p := payload.(type) {
	case events.Output:
		p.Data = Redacted
		return p
	case *events.Output:
		if p == nil {
			return payload
		}
		c := *p
		c.Data = Redacted
		return c
	case events.TaskCreated:
		p.Description = Redacted
		return p
	case *events.TaskCreated:
		if p == nil {
			return payload
		}
		c := *p
		c.Description = Redacted
		return c
	case map[string]any:
		c := make(map[string]any, len(p))
		for k, v := range p {
			c[k] = v
		}
		if _, present := c[key]; present {
			c[key] = Redacted
		}
		return c
	case string, []byte:
		return Redacted
	}
	return payload
}
