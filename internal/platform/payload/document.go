// Package payload reads typed values out of a queued JSON document with
// JMESPath expressions.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"
)

// DateLayout is the only accepted date format.
const DateLayout = "2006-01-02"

var (
	ErrInvalidPath   = errors.New("invalid path expression")
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrMalformedDate = errors.New("malformed date")
)

// PathError reports a failed lookup. Kind is one of the package sentinels.
type PathError struct {
	Path string
	Kind error
	Err  error
}

func (e *PathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payload path %s: %v: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("payload path %s: %v", e.Path, e.Kind)
}

func (e *PathError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*jmespath.JMESPath)
)

func compile(expr string) (*jmespath.JMESPath, error) {
	cacheMu.RLock()
	compiled, ok := cache[expr]
	cacheMu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cache[expr] = compiled
	cacheMu.Unlock()
	return compiled, nil
}

// Document is a decoded JSON payload. It is safe for concurrent reads.
type Document struct {
	data interface{}
}

// Parse decodes raw JSON. A JSON string holding a JSON object is unwrapped,
// since some producers double-encode the payload.
func Parse(raw []byte) (*Document, error) {
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if s, ok := data.(string); ok {
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			return nil, fmt.Errorf("decode embedded payload: %w", err)
		}
	}
	return &Document{data: data}, nil
}

// FromObject wraps an already decoded object, e.g. one element of an array.
func FromObject(obj map[string]interface{}) *Document {
	return &Document{data: obj}
}

// Value returns the raw decoded value at path. ok is false when the path
// does not resolve or resolves to JSON null.
func (d *Document) Value(path string) (interface{}, bool, error) {
	compiled, err := compile(path)
	if err != nil {
		return nil, false, &PathError{Path: path, Kind: ErrInvalidPath, Err: err}
	}
	v, err := compiled.Search(d.data)
	if err != nil {
		return nil, false, &PathError{Path: path, Kind: ErrInvalidPath, Err: err}
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// String returns the value at path as a string. Numbers and booleans are
// rendered in their JSON form; objects and arrays are a type mismatch.
func (d *Document) String(path string) (string, bool, error) {
	v, ok, err := d.Value(path)
	if err != nil || !ok {
		return "", false, err
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	default:
		return "", false, mismatch(path, "string", v)
	}
}

// TrimmedString is String with surrounding whitespace removed; a blank value
// is reported as absent.
func (d *Document) TrimmedString(path string) (string, bool, error) {
	s, ok, err := d.String(path)
	if err != nil || !ok {
		return "", false, err
	}
	s = strings.TrimSpace(s)
	return s, s != "", nil
}

// Bool accepts JSON booleans and the strings "true" and "false".
func (d *Document) Bool(path string) (bool, bool, error) {
	v, ok, err := d.Value(path)
	if err != nil || !ok {
		return false, false, err
	}
	switch t := v.(type) {
	case bool:
		return t, true, nil
	case string:
		b, perr := strconv.ParseBool(strings.TrimSpace(t))
		if perr != nil {
			return false, false, mismatch(path, "boolean", v)
		}
		return b, true, nil
	default:
		return false, false, mismatch(path, "boolean", v)
	}
}

// Date parses the value at path with DateLayout. A blank string is absent.
func (d *Document) Date(path string) (time.Time, bool, error) {
	s, ok, err := d.TrimmedString(path)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, perr := time.Parse(DateLayout, s)
	if perr != nil {
		return time.Time{}, false, &PathError{Path: path, Kind: ErrMalformedDate, Err: perr}
	}
	return t, true, nil
}

func (d *Document) Object(path string) (map[string]interface{}, bool, error) {
	v, ok, err := d.Value(path)
	if err != nil || !ok {
		return nil, false, err
	}
	obj, isObj := v.(map[string]interface{})
	if !isObj {
		return nil, false, mismatch(path, "object", v)
	}
	return obj, true, nil
}

func (d *Document) Array(path string) ([]interface{}, bool, error) {
	v, ok, err := d.Value(path)
	if err != nil || !ok {
		return nil, false, err
	}
	arr, isArr := v.([]interface{})
	if !isArr {
		return nil, false, mismatch(path, "array", v)
	}
	return arr, true, nil
}

func mismatch(path, want string, got interface{}) error {
	return &PathError{Path: path, Kind: ErrTypeMismatch, Err: fmt.Errorf("want %s, got %s", want, jsonType(got))}
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
