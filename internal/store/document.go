package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/seantiz/releaseflow/internal/model"
)

// timeLayout is a fixed-width UTC layout so indexed timestamp columns sort
// lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// releaseKeys is the set of document keys owned by model.Release. Keys
// outside this set are carried through typed writes untouched.
var releaseKeys = jsonKeys(reflect.TypeOf(model.Release{}))

func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" {
			for k := range jsonKeys(f.Type) {
				keys[k] = true
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		keys[name] = true
	}
	return keys
}

// IsLegacyKey reports whether key uses the capitalized spelling written by
// older clients. Canonical keys are lowerCamelCase.
func IsLegacyKey(key string) bool {
	r, _ := utf8.DecodeRuneInString(key)
	return unicode.IsUpper(r)
}

// canonicalOnly returns a copy of v with every legacy key removed, at any
// depth. encoding/json matches field names case-insensitively, so legacy keys
// must be dropped before decoding or they would shadow canonical ones.
func canonicalOnly(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsLegacyKey(k) {
				continue
			}
			out[k] = canonicalOnly(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalOnly(val)
		}
		return out
	default:
		return v
	}
}

// decodeRelease converts stored fields into a typed release. Only canonical
// keys are read.
func decodeRelease(id string, version int64, fields map[string]any) (*model.Release, error) {
	b, err := json.Marshal(canonicalOnly(fields))
	if err != nil {
		return nil, fmt.Errorf("release %s: %w: %v", id, ErrMalformed, err)
	}
	r := &model.Release{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("release %s: %w: %v", id, ErrMalformed, err)
	}
	r.ID = id
	r.Version = version
	return r, nil
}

// encodeRelease renders r as document fields layered over base. Keys owned by
// the release schema are replaced wholesale so cleared facets disappear; any
// other keys in base survive.
func encodeRelease(r *model.Release, base map[string]any) (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode release: %w", err)
	}
	var enc map[string]any
	if err := json.Unmarshal(b, &enc); err != nil {
		return nil, fmt.Errorf("encode release: %w", err)
	}

	out := make(map[string]any, len(base)+len(enc))
	for k, v := range base {
		if !releaseKeys[k] {
			out[k] = v
		}
	}
	for k, v := range enc {
		out[k] = v
	}
	return out, nil
}

// indexColumns holds the release fields mirrored into indexed columns.
type indexColumns struct {
	releaseNumber   string
	status          string
	supplierID      string
	customerID      string
	createdBy       string
	createdAt       string
	statusChangedAt string
}

func columnsOf(fields map[string]any) indexColumns {
	return indexColumns{
		releaseNumber:   stringField(fields, "releaseNumber"),
		status:          stringField(fields, "status"),
		supplierID:      stringField(fields, "supplierId"),
		customerID:      stringField(fields, "customerId"),
		createdBy:       stringField(fields, "createdBy"),
		createdAt:       timeField(fields, "createdAt"),
		statusChangedAt: timeField(fields, "statusChangedAt"),
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func timeField(fields map[string]any, key string) string {
	t, ok := ParseTime(fields[key])
	if !ok {
		return ""
	}
	return formatTime(t)
}

// ParseTime interprets a document value as a timestamp. It accepts RFC 3339
// strings and reports false for anything else, including zero times.
func ParseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseColumnTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
