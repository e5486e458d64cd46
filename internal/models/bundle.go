package models

// ChatBundle is one self-contained chat plus its full message list. It is
// the serialization contract for export/import and must stay stable for
// round-tripping.
type ChatBundle struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}
