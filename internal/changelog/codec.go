package changelog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
)

type envelope struct {
	Type         string                `json:"type"`
	Key          string                `json:"key"`
	EventID      string                `json:"event_id,omitempty"`
	EventTimeUTC string                `json:"event_time_utc,omitempty"`
	Profile      *domain.ProfileRecord `json:"profile,omitempty"`
}

func Encode(ev domain.ChangeEvent) ([]byte, error) {
	if !ev.Type.Known() {
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	key := hashroute.CanonicalizeKey(ev.Key)
	if key == "" {
		return nil, fmt.Errorf("event key is required")
	}
	env := envelope{Type: string(ev.Type), Key: key, EventID: ev.EventID}
	if ev.EventTimeUTCNs != 0 {
		env.EventTimeUTC = time.Unix(0, ev.EventTimeUTCNs).UTC().Format(time.RFC3339Nano)
	}
	if ev.Type != domain.EventDelete {
		if ev.Profile == nil {
			return nil, fmt.Errorf("%s event for %q carries no profile", ev.Type, key)
		}
		p := *ev.Profile
		p.UID = key
		env.Profile = &p
	}
	return json.Marshal(env)
}

// Decode resolves a record into one of the known event shapes. Anything it
// cannot resolve is reported as domain.ErrCorruptEvent.
func Decode(rec Record) (domain.ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		return domain.ChangeEvent{}, corrupt(rec, "decode envelope: %v", err)
	}
	typ := domain.EventType(strings.ToLower(strings.TrimSpace(env.Type)))
	if !typ.Known() {
		return domain.ChangeEvent{}, corrupt(rec, "unknown event type %q", env.Type)
	}

	key := hashroute.CanonicalizeKey(env.Key)
	recordKey := hashroute.CanonicalizeKey(string(rec.Key))
	switch {
	case key == "" && recordKey == "":
		return domain.ChangeEvent{}, corrupt(rec, "event key is required")
	case key == "":
		key = recordKey
	case recordKey != "" && recordKey != key:
		return domain.ChangeEvent{}, corrupt(rec, "envelope key %q does not match record key %q", key, recordKey)
	}

	ev := domain.ChangeEvent{Type: typ, Key: key, EventID: env.EventID}
	if env.EventTimeUTC != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.EventTimeUTC)
		if err != nil {
			return domain.ChangeEvent{}, corrupt(rec, "parse event_time_utc: %v", err)
		}
		ev.EventTimeUTCNs = ts.UTC().UnixNano()
	}
	if typ == domain.EventDelete {
		return ev, nil
	}
	if env.Profile == nil {
		return domain.ChangeEvent{}, corrupt(rec, "%s event carries no profile", typ)
	}
	if uid := hashroute.CanonicalizeKey(env.Profile.UID); uid != "" && uid != key {
		return domain.ChangeEvent{}, corrupt(rec, "profile uid %q does not match key %q", uid, key)
	}
	env.Profile.UID = key
	ev.Profile = env.Profile
	return ev, nil
}

func corrupt(rec Record, format string, args ...any) error {
	return fmt.Errorf("%w: partition %d offset %d: %s", domain.ErrCorruptEvent, rec.Partition, rec.Offset, fmt.Sprintf(format, args...))
}
