package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Status represents where a story sits in its lifecycle.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Story is a unit of backlog work.
// Fields the store does not know about are kept in extra and written back
// untouched, since the backlog document is authored outside this tool.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Status             Status   `json:"status"`
	DependsOn          []string `json:"dependsOn,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	QualityGates       []string `json:"qualityGates,omitempty"`
	StartedAt          *string  `json:"startedAt"`
	CompletedAt        *string  `json:"completedAt"`
	UpdatedAt          *string  `json:"updatedAt"`

	extra map[string]json.RawMessage
}

// Document is the full backlog: ordered stories plus gate configuration.
type Document struct {
	Version                json.RawMessage `json:"version,omitempty"`
	Project                string          `json:"project"`
	QualityGates           []string        `json:"qualityGates"`
	QualityGatesEarly      []string        `json:"qualityGatesEarly,omitempty"`
	QualityGatesStartIndex *int            `json:"qualityGatesStartIndex,omitempty"`
	Stories                []Story         `json:"stories"`

	extra map[string]json.RawMessage
}

var storyFields = []string{
	"id", "title", "description", "status", "dependsOn", "acceptanceCriteria",
	"qualityGates", "startedAt", "completedAt", "updatedAt",
}

var documentFields = []string{
	"version", "project", "qualityGates", "qualityGatesEarly", "qualityGatesStartIndex", "stories",
}

type storyAlias Story
type documentAlias Document

// UnmarshalJSON decodes a story, stashing unknown fields.
func (s *Story) UnmarshalJSON(data []byte) error {
	var a storyAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unknownFields(data, storyFields)
	if err != nil {
		return err
	}
	*s = Story(a)
	if s.Status == "" {
		s.Status = StatusOpen
	}
	s.extra = extra
	return nil
}

// MarshalJSON encodes a story, known fields first, then preserved unknown fields.
func (s Story) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(storyAlias(s))
	if err != nil {
		return nil, err
	}
	return appendFields(data, s.extra)
}

// UnmarshalJSON decodes the document, stashing unknown top-level fields.
// A value that is not an object, or an object without a "stories" array,
// is rejected rather than read as an empty backlog.
func (d *Document) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}
	if top == nil {
		return errors.New("backlog is not a JSON object")
	}
	if raw, ok := top["stories"]; !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New(`backlog has no "stories" array`)
	}

	var a documentAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unknownFields(data, documentFields)
	if err != nil {
		return err
	}
	*d = Document(a)
	d.extra = extra
	return nil
}

// MarshalJSON encodes the document, known fields first, then preserved unknown fields.
func (d Document) MarshalJSON() ([]byte, error) {
	a := documentAlias(d)
	if a.QualityGates == nil {
		a.QualityGates = []string{}
	}
	if a.Stories == nil {
		a.Stories = []Story{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return appendFields(data, d.extra)
}

// Extra returns a preserved unknown field, if present.
func (s Story) Extra(key string) (json.RawMessage, bool) {
	v, ok := s.extra[key]
	return v, ok
}

func unknownFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// appendFields splices extra key/value pairs onto an encoded JSON object.
func appendFields(obj []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return obj, nil
	}
	obj = bytes.TrimSpace(obj)
	if len(obj) < 2 || obj[len(obj)-1] != '}' {
		return nil, fmt.Errorf("append fields: not a JSON object")
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(obj[:len(obj)-1])
	empty := len(bytes.TrimSpace(obj[1:len(obj)-1])) == 0
	for i, k := range keys {
		if i > 0 || !empty {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Find returns the story with the given id and its position, or -1.
func (d *Document) Find(id string) (*Story, int) {
	for i := range d.Stories {
		if d.Stories[i].ID == id {
			return &d.Stories[i], i
		}
	}
	return nil, -1
}

// Counts tallies stories by status.
func (d *Document) Counts() map[Status]int {
	counts := map[Status]int{}
	for _, s := range d.Stories {
		counts[s.Status]++
	}
	return counts
}

// Remaining is the number of stories not yet done.
func (d *Document) Remaining() int {
	n := 0
	for _, s := range d.Stories {
		if s.Status != StatusDone {
			n++
		}
	}
	return n
}

// UnresolvedDependencies maps story ids to dependency ids that match no
// story in the document. Such stories can never be selected.
func (d *Document) UnresolvedDependencies() map[string][]string {
	known := make(map[string]bool, len(d.Stories))
	for _, s := range d.Stories {
		known[s.ID] = true
	}
	out := map[string][]string{}
	for _, s := range d.Stories {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				out[s.ID] = append(out[s.ID], dep)
			}
		}
	}
	return out
}

// transitions lists the allowed status edges. done is terminal.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusDone},
	StatusInProgress: {StatusDone, StatusOpen},
}

// CanTransition reports whether a story may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
