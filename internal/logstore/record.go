package logstore

import (
	"encoding/json"
	"time"
)

// Record is one stored log file. Exactly one of Content and Err is set.
type Record struct {
	Filename string
	Content  json.RawMessage
	ModTime  time.Time
	Err      error
}

// recordJSON is the wire form served by /logs.
type recordJSON struct {
	Filename string          `json:"filename"`
	Content  json.RawMessage `json:"content"`
	MTime    float64         `json:"mtime"` // seconds since epoch
}

// MarshalJSON encodes the record, replacing failed content with
// {"error": message}.
func (r Record) MarshalJSON() ([]byte, error) {
	content := r.Content
	if r.Err != nil || content == nil {
		msg := "Invalid JSON"
		if r.Err != nil {
			msg = ErrorMessage(r.Err)
		}
		placeholder, err := json.Marshal(map[string]string{"error": msg})
		if err != nil {
			return nil, err
		}
		content = placeholder
	}
	return json.Marshal(recordJSON{
		Filename: r.Filename,
		Content:  content,
		MTime:    float64(r.ModTime.UnixNano()) / float64(time.Second),
	})
}
