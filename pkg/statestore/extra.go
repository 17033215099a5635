package statestore

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// Each persisted type keeps fields it does not know about in Extra so that
// newer or foreign writers do not lose data when this process rewrites the file.

type (
	stateAlias       State
	jobStateAlias    JobState
	lastSeenAlias    LastSeen
	runSnapshotAlias RunSnapshot
	queueItemAlias   QueueItem
)

var knownKeyCache sync.Map

func knownKeys(t reflect.Type) map[string]struct{} {
	if v, ok := knownKeyCache.Load(t); ok {
		return v.(map[string]struct{})
	}
	keys := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		keys[name] = struct{}{}
	}
	knownKeyCache.Store(t, keys)
	return keys
}

func unknownFields(data []byte, t reflect.Type) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	known := knownKeys(t)
	var extra map[string]json.RawMessage
	for k, v := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = map[string]json.RawMessage{}
		}
		extra[k] = v
	}
	return extra, nil
}

func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = raw
		}
	}
	return json.Marshal(fields)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var a stateAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unknownFields(data, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*s = State(a)
	s.Extra = extra
	return nil
}

func (s State) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(stateAlias(s), s.Extra)
}

func (js *JobState) UnmarshalJSON(data []byte) error {
	var a jobStateAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unknownFields(data, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*js = JobState(a)
	js.Extra = extra
	return nil
}

func (js JobState) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(jobStateAlias(js), js.Extra)
}

func (ls *LastSeen) UnmarshalJSON(data []byte) error {
	var a lastSeenAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unknownFields(data, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*ls = LastSeen(a)
	ls.Extra = extra
	return nil
}

func (ls LastSeen) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(lastSeenAlias(ls), ls.Extra)
}

func (r *RunSnapshot) UnmarshalJSON(data []byte) error {
	var a runSnapshotAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unknownFields(data, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*r = RunSnapshot(a)
	r.Extra = extra
	return nil
}

func (r RunSnapshot) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(runSnapshotAlias(r), r.Extra)
}

func (q *QueueItem) UnmarshalJSON(data []byte) error {
	var a queueItemAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unknownFields(data, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*q = QueueItem(a)
	q.Extra = extra
	return nil
}

func (q QueueItem) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(queueItemAlias(q), q.Extra)
}
