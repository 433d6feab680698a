// Package builtin holds a small set of example filters that exercise
// the read/write contract end to end: ConcatenateBytes appends a fixed
// byte string on a chosen path, Compress runs DEFLATE over the payload
// in one direction and inflates it in the other. They register
// themselves into filter.Default on import.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/dantte-lp/goquilkin/internal/filter"
)

// ConcatenateBytesName is the registered factory name.
const ConcatenateBytesName = "concatenate_bytes"

// concatenateOn selects which path ConcatenateBytes appends on.
type concatenateOn string

const (
	onRead  concatenateOn = "READ"
	onWrite concatenateOn = "WRITE"
)

type concatenateConfig struct {
	On    concatenateOn `json:"on"`
	Bytes []byte        `json:"bytes"`
}

type concatenateBytesFilter struct {
	on    concatenateOn
	bytes []byte
}

func (f *concatenateBytesFilter) Name() string { return ConcatenateBytesName }

func (f *concatenateBytesFilter) ReadFilter(ctx *filter.ReadContext) error {
	if f.on == onRead {
		ctx.Contents = append(ctx.Contents, f.bytes...)
	}
	return nil
}

func (f *concatenateBytesFilter) WriteFilter(ctx *filter.WriteContext) error {
	if f.on == onWrite {
		ctx.Contents = append(ctx.Contents, f.bytes...)
	}
	return nil
}

type concatenateBytesFactory struct{}

func (concatenateBytesFactory) Name() string { return ConcatenateBytesName }

func (concatenateBytesFactory) Build(raw json.RawMessage) (filter.Filter, error) {
	var cfg concatenateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("concatenate_bytes: %w", err)
	}
	if cfg.On != onRead && cfg.On != onWrite {
		return nil, fmt.Errorf("concatenate_bytes: on must be READ or WRITE, got %q", cfg.On)
	}
	return &concatenateBytesFilter{on: cfg.On, bytes: cfg.Bytes}, nil
}

func init() {
	filter.Default.Register(concatenateBytesFactory{})
}
