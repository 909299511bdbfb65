// Package result implements the Result sum type named in spec §4.2: the
// declared return shape of workflow bodies and the payload persisted in
// Task.result and Execution.result.
package result

import "encoding/json"

// Result is a tagged Ok/Err variant. The zero value is an Err with an
// empty message (IsOk reports false).
type Result struct {
	ok    bool
	value any
	errMsg string
}

// Ok constructs a successful Result carrying value.
func Ok(value any) Result {
	return Result{ok: true, value: value}
}

// Err constructs a failed Result from err. A nil err produces Ok(nil).
func Err(err error) Result {
	if err == nil {
		return Ok(nil)
	}
	return Result{ok: false, errMsg: err.Error()}
}

// ErrString constructs a failed Result from a literal message, used when
// reconstructing a Result read back from storage.
func ErrString(msg string) Result {
	return Result{ok: false, errMsg: msg}
}

// IsOk reports whether the Result is the Ok variant.
func (r Result) IsOk() bool { return r.ok }

// Value returns the Ok payload, or nil for an Err Result.
func (r Result) Value() any { return r.value }

// ErrorMessage returns the Err message, or "" for an Ok Result.
func (r Result) ErrorMessage() string { return r.errMsg }

// wireResult is the JSON-on-the-wire shape stored in Task.result /
// Execution.result: an opaque encoding that round-trips the payload per
// spec §6's argument/result serialization contract (property P5).
type wireResult struct {
	Ok    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Marshal encodes r into the opaque storage payload.
func (r Result) Marshal() ([]byte, error) {
	w := wireResult{Ok: r.ok, Error: r.errMsg}
	if r.ok && r.value != nil {
		raw, err := json.Marshal(r.value)
		if err != nil {
			return nil, err
		}
		w.Value = raw
	}
	return json.Marshal(w)
}

// Unmarshal decodes a Result previously produced by Marshal. The Ok
// payload is decoded into a generic `any` (float64/map/slice/etc, the
// standard encoding/json decode shape); callers that need a typed value
// use Bind.
func Unmarshal(data []byte) (Result, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return Result{}, err
	}
	r := Result{ok: w.Ok, errMsg: w.Error}
	if w.Ok && len(w.Value) > 0 {
		var v any
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return Result{}, err
		}
		r.value = v
	}
	return r, nil
}

// Bind decodes the Ok value into target (a pointer), preserving the
// original concrete type instead of the generic map/slice/float64 shape
// produced by a bare Unmarshal.
func (r Result) Bind(target any) error {
	raw, err := json.Marshal(r.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
