package rpc

import (
	"encoding/json"
	"fmt"
)

// Call is the wire form of a Request: {"method": ..., "params": [...]}.
type Call struct {
	Request Request
}

type wireCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (c Call) MarshalJSON() ([]byte, error) {
	if c.Request == nil {
		return []byte("null"), nil
	}
	params, err := json.Marshal(c.Request.Params())
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", c.Request.Method(), err)
	}
	return json.Marshal(wireCall{Method: string(c.Request.Method()), Params: params})
}

func (c *Call) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		c.Request = nil
		return nil
	}
	var w wireCall
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	req, err := Parse(w.Method, w.Params)
	if err != nil {
		return err
	}
	c.Request = req
	return nil
}
