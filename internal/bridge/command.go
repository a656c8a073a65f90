package bridge

import "encoding/json"

// Outward command types.
const (
	CmdStartTranscription    = "startTranscription"
	CmdStopTranscription     = "stopTranscription"
	CmdGetTranscriptionState = "getTranscriptionState"
	CmdGetRecognizedState    = "getRecognizedState"
)

// Command is an outward message, encoded as {"type": ..., ...Extra}.
type Command struct {
	Type  string
	Extra map[string]any
}

// MarshalJSON flattens Extra next to the type. Extra cannot override it.
func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["type"] = c.Type
	return json.Marshal(out)
}
