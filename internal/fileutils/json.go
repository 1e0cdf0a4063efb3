package fileutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type jsonOptions struct {
	strict bool
}

// JSONOption tunes ParseJSON.
type JSONOption func(*jsonOptions)

// WithStrictFields rejects object keys that match no field of the destination.
func WithStrictFields() JSONOption {
	return func(o *jsonOptions) {
		o.strict = true
	}
}

// ParseJSON decodes the single JSON document of r into v. Data after the document is an error.
func ParseJSON(r io.Reader, v any, args ...JSONOption) error {
	var opts jsonOptions
	for _, opt := range args {
		opt(&opts)
	}

	dec := json.NewDecoder(r)
	if opts.strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("couldn't parse JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("couldn't parse JSON: unexpected data after the document")
	}
	return nil
}
