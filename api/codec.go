package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/pilab-dev/civic-session/transport"
)

// Encode marshals v as a request body.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return data, nil
}

// Decode checks the status of resp and unmarshals its body into v. Non-2xx
// responses become *errors.ServerError. A nil v only checks the status.
func Decode(resp *transport.Response, v interface{}) error {
	if err := StatusError(resp); err != nil {
		return err
	}
	if v == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("%w: %w", serrors.ErrInvalidResponse, err)
	}
	return nil
}

// StatusError returns nil for 2xx responses and a *errors.ServerError otherwise.
func StatusError(resp *transport.Response) error {
	if resp.OK() {
		return nil
	}
	se := &serrors.ServerError{Status: resp.Status}
	// Best effort; servers may answer with plain text.
	if err := json.Unmarshal(resp.Body, se); err != nil {
		se.Message = string(bytes.TrimSpace(resp.Body))
	}
	se.Status = resp.Status
	return se
}

// UnmarshalJSON accepts either {"count": n} or a bare number.
func (m *MarkAllReadResponse) UnmarshalJSON(data []byte) error {
	if n, err := strconv.Atoi(string(bytes.TrimSpace(data))); err == nil {
		m.Count = n
		return nil
	}
	type plain MarkAllReadResponse
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = MarkAllReadResponse(p)
	return nil
}
