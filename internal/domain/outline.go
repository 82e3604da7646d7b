package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CollectedDataVersion is the current schema version of CollectedData.
const CollectedDataVersion = 1

// FlexString accepts a JSON string or number and holds it as a string.
// Model output is inconsistent about quoting ids and durations.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// Label is a category or tag. Models emit them as strings, numbers or
// objects such as {"name": "php"}; all decode without error.
type Label string

// UnmarshalJSON implements json.Unmarshaler.
func (l *Label) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*l = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = Label(s)
		return nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		for _, key := range []string{"name", "title", "label", "slug", "id"} {
			switch v := obj[key].(type) {
			case string:
				if v != "" {
					*l = Label(v)
					return nil
				}
			case float64:
				*l = Label(strconv.FormatFloat(v, 'f', -1, 64))
				return nil
			}
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, b); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	*l = Label(compact.String())
	return nil
}

// Lesson is a single lesson of an outline section.
type Lesson struct {
	ID       FlexString `json:"id,omitempty"`
	Title    string     `json:"title"`
	Content  string     `json:"content,omitempty"`
	Type     string     `json:"type,omitempty"`
	Duration FlexString `json:"duration,omitempty"`
}

// Section groups lessons.
type Section struct {
	ID          FlexString `json:"id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Lessons     []Lesson   `json:"lessons"`
}

// Outline is the nested course structure produced by the conversation.
type Outline struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Sections    []Section      `json:"sections"`
	Settings    map[string]any `json:"settings,omitempty"`
	Categories  []Label        `json:"categories,omitempty"`
	Tags        []Label        `json:"tags,omitempty"`
}

// Ready reports whether the outline is complete enough to materialize:
// a non-empty title and at least one section holding at least one lesson.
func (o *Outline) Ready() bool {
	if o == nil || strings.TrimSpace(o.Title) == "" {
		return false
	}
	for _, s := range o.Sections {
		if len(s.Lessons) > 0 {
			return true
		}
	}
	return false
}

// LessonCount returns the number of lessons across all sections.
func (o *Outline) LessonCount() int {
	if o == nil {
		return 0
	}
	n := 0
	for _, s := range o.Sections {
		n += len(s.Lessons)
	}
	return n
}

// Clone returns a deep copy of the outline.
func (o *Outline) Clone() *Outline {
	if o == nil {
		return nil
	}
	c := *o
	if o.Sections != nil {
		c.Sections = make([]Section, len(o.Sections))
		for i, s := range o.Sections {
			c.Sections[i] = s
			if s.Lessons != nil {
				c.Sections[i].Lessons = append([]Lesson(nil), s.Lessons...)
			}
		}
	}
	if o.Settings != nil {
		c.Settings = cloneValue(o.Settings).(map[string]any)
	}
	if o.Categories != nil {
		c.Categories = append([]Label(nil), o.Categories...)
	}
	if o.Tags != nil {
		c.Tags = append([]Label(nil), o.Tags...)
	}
	return &c
}

// cloneValue deep-copies decoded JSON values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// CollectedData is the versioned conversation-scoped state. The accepted
// outline has its own slot; everything else lives in Values.
type CollectedData struct {
	Version int               `json:"version"`
	Outline *Outline          `json:"outline,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
}

// Value returns a conversation-scoped value.
func (d *CollectedData) Value(key string) (string, bool) {
	v, ok := d.Values[key]
	return v, ok
}

// SetValue stores a conversation-scoped value.
func (d *CollectedData) SetValue(key, value string) {
	if d.Values == nil {
		d.Values = make(map[string]string)
	}
	d.Values[key] = value
}
