package rocketchat

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// epochSecondsCeiling separates epoch seconds from epoch milliseconds.
// Anything below it (year 5138 in seconds) is read as seconds.
const epochSecondsCeiling = 1e11

// Timestamp is an instant that decodes from any of the shapes the server
// uses for dates: an ISO-8601 string, an epoch number, or a {"$date": n}
// wrapper (EJSON, as sent over the realtime channel).
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	t, err := parseInstant(gjson.ParseBytes(data))
	if err != nil {
		return err
	}
	ts.Time = t
	return nil
}

// MarshalJSON emits RFC 3339 in UTC, or null for the zero instant.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + ts.UTC().Format(time.RFC3339Nano) + `"`), nil
}

// ParseTimestamp normalizes a raw JSON value into a Timestamp.
func ParseTimestamp(raw string) (Timestamp, error) {
	t, err := parseInstant(gjson.Parse(raw))
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Time: t}, nil
}

func parseInstant(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Null:
		return time.Time{}, nil
	case gjson.Number:
		return fromEpoch(r.Float()), nil
	case gjson.String:
		s := r.String()
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05Z0700"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case gjson.JSON:
		if d := r.Get("$date"); d.Exists() {
			return parseInstant(d)
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp object %s", r.Raw)
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %s", r.Raw)
}

func fromEpoch(v float64) time.Time {
	if v < epochSecondsCeiling {
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC()
	}
	return time.UnixMilli(int64(v)).UTC()
}
