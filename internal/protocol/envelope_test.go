package protocol

import (
	"errors"
	"testing"
)

func TestParseValidEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind Kind
	}{
		{"join", `{"kind":"join","from":"commander"}`, KindJoin},
		{"offer", `{"kind":"offer","to":"soldier1","payload":{"type":"offer","sdp":"v=0..."}}`, KindOffer},
		{"answer", `{"kind":"answer","to":"commander","payload":{"type":"answer","sdp":"v=0..."}}`, KindAnswer},
		{"candidate", `{"kind":"candidate","to":"soldier1","payload":{"candidate":"candidate:1 1 udp ..."}}`, KindCandidate},
		{"reject", `{"kind":"reject","to":"commander","payload":{"reason":"busy"}}`, KindReject},
		{"end bare", `{"kind":"end","to":"soldier1"}`, KindEnd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if env.Kind != tc.kind {
				t.Fatalf("Kind: got %q want %q", env.Kind, tc.kind)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown kind", `{"kind":"ping"}`, ErrUnknownKind},
		{"join without from", `{"kind":"join"}`, ErrMissingFrom},
		{"join with to", `{"kind":"join","from":"a","to":"b"}`, ErrUnexpectedTo},
		{"offer without to", `{"kind":"offer","payload":{"type":"offer","sdp":"x"}}`, ErrMissingTo},
		{"offer without payload", `{"kind":"offer","to":"b"}`, ErrMissingPayload},
		{"candidate without payload", `{"kind":"candidate","to":"b"}`, ErrMissingPayload},
		{"end without to", `{"kind":"end"}`, ErrMissingTo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); !errors.Is(err, tc.want) {
				t.Fatalf("Parse: got %v want %v", err, tc.want)
			}
		})
	}

	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := Parse([]byte(`{"kind":"end","to":"b","extra":1}`)); err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if _, err := Parse([]byte(`{"kind":"end","to":"b"}{"kind":"end","to":"b"}`)); err == nil {
		t.Fatalf("expected error for trailing data")
	}
}

func TestReasonRoundTrip(t *testing.T) {
	env := NewReject("soldier1", "commander", "busy")
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	b, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Reason() != "busy" {
		t.Fatalf("Reason: got %q want %q", got.Reason(), "busy")
	}

	end := NewEnd("a", "b", "timeout")
	if end.Reason() != "timeout" {
		t.Fatalf("Reason: got %q want %q", end.Reason(), "timeout")
	}
	bare := Envelope{Kind: KindEnd, To: "b"}
	if bare.Reason() != "" {
		t.Fatalf("Reason on bare end: got %q want empty", bare.Reason())
	}
}
