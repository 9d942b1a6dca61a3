package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	errNotObject     = errors.New("payload is not a JSON object or array of objects")
	errTrailingBytes = errors.New("unexpected data after JSON value")
)

// DecodeError marks a transport payload that could not be turned into key-value maps.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeObjects accepts a single object or an array of objects. Numbers are kept as json.Number.
func DecodeObjects(source string, data []byte) ([]map[string]any, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, &DecodeError{Source: source, Err: errors.New("empty payload")}
	}
	dec := json.NewDecoder(bytes.NewReader(trim))
	dec.UseNumber()
	switch trim[0] {
	case '{':
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, &DecodeError{Source: source, Err: err}
		}
		if err := expectEOF(dec); err != nil {
			return nil, &DecodeError{Source: source, Err: err}
		}
		return []map[string]any{obj}, nil
	case '[':
		var list []map[string]any
		if err := dec.Decode(&list); err != nil {
			return nil, &DecodeError{Source: source, Err: err}
		}
		if err := expectEOF(dec); err != nil {
			return nil, &DecodeError{Source: source, Err: err}
		}
		out := list[:0]
		for _, obj := range list {
			if obj != nil {
				out = append(out, obj)
			}
		}
		return out, nil
	default:
		return nil, &DecodeError{Source: source, Err: errNotObject}
	}
}

func expectEOF(dec *json.Decoder) error {
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return errTrailingBytes
	}
	return nil
}
