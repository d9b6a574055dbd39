package synth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadCommandJSON indicates the model returned something other than
// a command object or array of command objects.
var ErrBadCommandJSON = errors.New("synth: model output is not valid command JSON")

// Command is one Home Assistant service call produced by the model.
type Command struct {
	Service string         `json:"service"`
	Data    map[string]any `json:"data"`
}

// EntityID returns the command's target entity, or "unknown" when the
// data block has none. Handles both a single string and a list.
func (c Command) EntityID() string {
	switch v := c.Data["entity_id"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return "unknown"
}

// Label renders the command as "service for entity" for user-facing
// failure messages.
func (c Command) Label() string {
	return fmt.Sprintf("%s for %s", c.Service, c.EntityID())
}

// ParseCommands parses model output into a command list. The model may
// return either a single object or an array; both normalize to a list.
// Code fences are tolerated, anything else is ErrBadCommandJSON.
func ParseCommands(raw string) ([]Command, error) {
	trimmed := strings.TrimSpace(stripCodeFence(raw))
	if trimmed == "" {
		return nil, ErrBadCommandJSON
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))

	switch trimmed[0] {
	case '{':
		var single Command
		if err := dec.Decode(&single); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadCommandJSON, err)
		}
		if single.Service == "" {
			return nil, ErrBadCommandJSON
		}
		return []Command{single}, nil
	case '[':
		var list []Command
		if err := dec.Decode(&list); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadCommandJSON, err)
		}
		for _, c := range list {
			if c.Service == "" {
				return nil, ErrBadCommandJSON
			}
		}
		return list, nil
	default:
		return nil, ErrBadCommandJSON
	}
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return s
}
