package envelope

import (
	"bytes"
	"reflect"
	"testing"
)

// TestEnvelopeRoundTrip implements Testable Property 9 for the variants
// listed below (every control-union request plus two filesystem-union
// requests): each round-trips byte-identically under encode∘decode.
func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		tag  string
		body any
	}{
		{TagSnapshotCreate, &SnapshotCreateRequest{Name: "v1"}},
		{TagSnapshotList, &SnapshotListRequest{}},
		{TagBranchCreate, &BranchCreateRequest{From: [16]byte{1, 2, 3}, Name: "b"}},
		{TagBranchBind, &BranchBindRequest{Branch: [16]byte{4, 5}, PID: 4711, HasPID: true}},
		{TagOpen, &OpenRequest{Path: "/a.txt", Read: true}},
		{TagWrite, &WriteRequest{Handle: 7, Offset: 12, Data: []byte("hello")}},
	}

	for _, tc := range cases {
		data, err := EncodeTagged(tc.tag, tc.body)
		if err != nil {
			t.Fatalf("encode %s: %v", tc.tag, err)
		}
		decoded, err := DecodeTagged(data)
		if err != nil {
			t.Fatalf("decode %s: %v", tc.tag, err)
		}
		if decoded.Tag != tc.tag {
			t.Fatalf("tag mismatch: got %s, want %s", decoded.Tag, tc.tag)
		}

		fresh := reflect.New(reflect.TypeOf(tc.body).Elem()).Interface()
		if err := DecodeBody(decoded, fresh); err != nil {
			t.Fatalf("decode body %s: %v", tc.tag, err)
		}
		reencoded, err := EncodeTagged(decoded.Tag, fresh)
		if err != nil {
			t.Fatalf("re-encode %s: %v", tc.tag, err)
		}
		if !bytes.Equal(data, reencoded) {
			t.Fatalf("%s did not round-trip byte-identically", tc.tag)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload, err := EncodeTagged(TagBranchBind, &BranchBindRequest{Branch: [16]byte{9}, HasPID: false})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame payload mismatch")
	}
}

func TestDecodeBodyRoundTrip(t *testing.T) {
	want := BranchCreateResponse{ID: [16]byte{1}, Parent: [16]byte{2}, Name: "b"}
	data, err := EncodeTagged(TagBranchCreate, &want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tagged, err := DecodeTagged(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got BranchCreateResponse
	if err := DecodeBody(tagged, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
