package builtin

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dantte-lp/goquilkin/internal/filter"
)

// CompressName is the registered factory name.
const CompressName = "compress"

type compressMode string

const (
	compressModeCompress   compressMode = "COMPRESS"
	compressModeDecompress compressMode = "DECOMPRESS"
)

type compressConfig struct {
	OnRead  compressMode `json:"on_read"`
	OnWrite compressMode `json:"on_write"`
}

type compressFilter struct {
	onRead  compressMode
	onWrite compressMode
}

func (f *compressFilter) Name() string { return CompressName }

func (f *compressFilter) ReadFilter(ctx *filter.ReadContext) error {
	out, err := apply(f.onRead, ctx.Contents)
	if err != nil {
		return fmt.Errorf("compress: read: %w", err)
	}
	ctx.Contents = out
	return nil
}

func (f *compressFilter) WriteFilter(ctx *filter.WriteContext) error {
	out, err := apply(f.onWrite, ctx.Contents)
	if err != nil {
		return fmt.Errorf("compress: write: %w", err)
	}
	ctx.Contents = out
	return nil
}

func apply(mode compressMode, contents []byte) ([]byte, error) {
	switch mode {
	case compressModeCompress:
		return deflate(contents)
	case compressModeDecompress:
		return inflate(contents)
	default:
		return contents, nil
	}
}

func deflate(contents []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(contents); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(contents []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(contents))
	defer r.Close()
	return io.ReadAll(r)
}

type compressFactory struct{}

func (compressFactory) Name() string { return CompressName }

func (compressFactory) Build(raw json.RawMessage) (filter.Filter, error) {
	var cfg compressConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	for _, m := range []compressMode{cfg.OnRead, cfg.OnWrite} {
		if m != "" && m != compressModeCompress && m != compressModeDecompress {
			return nil, fmt.Errorf("compress: mode must be COMPRESS or DECOMPRESS, got %q", m)
		}
	}
	return &compressFilter{onRead: cfg.OnRead, onWrite: cfg.OnWrite}, nil
}

func init() {
	filter.Default.Register(compressFactory{})
}
