package trade

import (
	"errors"
	"testing"

	"github.com/tnumfive/termmux/internal/xerrors"
)

func TestRequestRoundTrip(t *testing.T) {
	r := RequestContent{ID: 1, Method: "subscribe", Params: []any{"x@y"}}
	raw, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gr, ok := got.(RequestContent)
	if !ok {
		t.Fatalf("want RequestContent, got %T", got)
	}
	if gr.ID != r.ID || gr.Method != r.Method || len(gr.Params) != 1 {
		t.Fatalf("round trip mismatch: got %+v want %+v", gr, r)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	r := ResponseContent{ID: 42, Result: true}
	raw, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gr, ok := got.(ResponseContent)
	if !ok {
		t.Fatalf("want ResponseContent, got %T", got)
	}
	if gr.ID != r.ID {
		t.Fatalf("round trip mismatch: got %+v want %+v", gr, r)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	s := StreamContent{Stream: "x@y", Data: []byte(`{"v":1}`)}
	raw, err := s.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gs, ok := got.(StreamContent)
	if !ok {
		t.Fatalf("want StreamContent, got %T", got)
	}
	if gs.Stream != s.Stream {
		t.Fatalf("round trip mismatch: got %+v want %+v", gs, s)
	}
}

func TestDecodeRejectsWrongFieldCount(t *testing.T) {
	_, err := Decode(`{"kl":"request","id":1,"mt":"x"}`)
	if !errors.Is(err, xerrors.ErrDecode) {
		t.Fatalf("want ErrDecode, got %v", err)
	}
}

func TestDecodeRejectsUnknownDiscriminator(t *testing.T) {
	_, err := Decode(`{"kl":"bogus","a":1,"b":2}`)
	if !errors.Is(err, xerrors.ErrDecode) {
		t.Fatalf("want ErrDecode, got %v", err)
	}
}

func TestTradeDataProjectionRoundTrip(t *testing.T) {
	raw, err := EmbedTradeData(TradeData{Price: "100.5", Quantity: "2", TradeMS: 123, Raw: []byte(`{"e":"trade"}`)})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	got, err := ExtractTradeData(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got.Price != "100.5" || got.TradeMS != 123 {
		t.Fatalf("unexpected projection: %+v", got)
	}
}
