package ingest

// eventSchema describes one line of an event feed. Extra properties are
// allowed so agents can attach their own metadata.
const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["session_id", "event_type", "target"],
  "properties": {
    "id":         {"type": "string"},
    "session_id": {"type": "string", "minLength": 1},
    "event_type": {"type": "string", "minLength": 1},
    "target":     {"type": "string"},
    "timestamp":  {"type": "string", "format": "date-time"},
    "write_mode": {"type": "boolean"}
  }
}`
