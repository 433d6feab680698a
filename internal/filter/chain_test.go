package filter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dantte-lp/goquilkin/internal/filter"
	_ "github.com/dantte-lp/goquilkin/internal/filter/builtin"
)

func TestBuildChainUnknownNameFails(t *testing.T) {
	r := filter.NewRegistry()
	_, err := r.BuildChain([]filter.FilterConfig{{Name: "does-not-exist"}})
	if !errors.Is(err, filter.ErrFactoryNotFound) {
		t.Fatalf("want ErrFactoryNotFound, got %v", err)
	}
}

func TestBuildChainPartialFailureLeavesNoChain(t *testing.T) {
	r := filter.NewRegistry()
	r.Register(passthroughFactory{})

	_, err := r.BuildChain([]filter.FilterConfig{
		{Name: "passthrough"},
		{Name: "does-not-exist"},
	})
	if err == nil {
		t.Fatal("want error when any entry in the chain fails to build")
	}
}

// TestFilterOrderingMatchesAppendThenCompress reproduces the append/append/
// compress scenario: reading "hello" through
// [ConcatenateBytes(read=xyz), ConcatenateBytes(write=abc), Compress]
// should deliver a compressed, non-UTF8 payload upstream and
// "helloxyzabc" back to the client.
func TestFilterOrderingMatchesAppendThenCompress(t *testing.T) {
	readCfg, _ := json.Marshal(map[string]any{"on": "READ", "bytes": []byte("xyz")})
	writeCfg, _ := json.Marshal(map[string]any{"on": "WRITE", "bytes": []byte("abc")})
	compressCfg, _ := json.Marshal(map[string]any{"on_read": "COMPRESS", "on_write": "DECOMPRESS"})

	chain, err := filter.Default.BuildChain([]filter.FilterConfig{
		{Name: "concatenate_bytes", Config: readCfg},
		{Name: "concatenate_bytes", Config: writeCfg},
		{Name: "compress", Config: compressCfg},
	})
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}

	readCtx := &filter.ReadContext{Contents: []byte("hello")}
	ok, err := chain.Read(readCtx)
	if err != nil || !ok {
		t.Fatalf("read path: ok=%v err=%v", ok, err)
	}

	if bytes.Equal(readCtx.Contents, []byte("helloxyz")) {
		t.Fatalf("expected compressed payload upstream, got raw plaintext %q", readCtx.Contents)
	}

	writeCtx := &filter.WriteContext{Contents: readCtx.Contents}
	ok, err = chain.Write(writeCtx)
	if err != nil || !ok {
		t.Fatalf("write path: ok=%v err=%v", ok, err)
	}

	if got := string(writeCtx.Contents); got != "helloxyzabc" {
		t.Fatalf("want %q, got %q", "helloxyzabc", got)
	}
}

func TestRejectingFilterStopsChain(t *testing.T) {
	chain := filter.NewFilterChain(rejectingFilter{}, &countingPassthrough{count: new(int)})

	ok, err := chain.Read(&filter.ReadContext{Contents: []byte("x")})
	if err != nil {
		t.Fatalf("reject should not surface as an error: %v", err)
	}
	if ok {
		t.Fatal("want chain to report rejection")
	}
}

type passthroughFactory struct{}

func (passthroughFactory) Name() string { return "passthrough" }
func (passthroughFactory) Build(json.RawMessage) (filter.Filter, error) {
	return &countingPassthrough{count: new(int)}, nil
}

type countingPassthrough struct {
	count *int
}

func (f *countingPassthrough) Name() string { return "passthrough" }

func (f *countingPassthrough) ReadFilter(*filter.ReadContext) error {
	*f.count++
	return nil
}

func (f *countingPassthrough) WriteFilter(*filter.WriteContext) error {
	*f.count++
	return nil
}

type rejectingFilter struct{}

func (rejectingFilter) Name() string                          { return "reject" }
func (rejectingFilter) ReadFilter(*filter.ReadContext) error   { return filter.ErrReject }
func (rejectingFilter) WriteFilter(*filter.WriteContext) error { return filter.ErrReject }
