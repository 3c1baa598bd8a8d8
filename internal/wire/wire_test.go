package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeCarriesView(t *testing.T) {
	view := View{
		ViewKey("jjs.jpg", "heyy"): {Host: "10.0.0.5", TCPPort: 7001},
		ViewKey("wee.txt", "heyy"): {Host: "10.0.0.5", TCPPort: 7001},
	}
	b, err := Encode(Envelope{Kind: KindTable, View: view})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != KindTable {
		t.Fatalf("kind = %q, want %q", env.Kind, KindTable)
	}
	if len(env.View) != 2 {
		t.Fatalf("view has %d entries, want 2", len(env.View))
	}
	got := env.View[ViewKey("jjs.jpg", "heyy")]
	if got.Host != "10.0.0.5" || got.TCPPort != 7001 {
		t.Fatalf("endpoint = %+v", got)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, payload := range []string{
		"not json at all",
		`{"kind":"BOGUS"}`,
		`{}`,
		"",
	} {
		if _, err := Decode([]byte(payload)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) err = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	env := Envelope{Kind: KindOffer, Files: []string{strings.Repeat("x", MaxDatagram)}}
	if _, err := Encode(env); err == nil {
		t.Fatal("Encode accepted a message larger than one datagram")
	}
}

func TestViewKeyRoundTrip(t *testing.T) {
	file, owner := SplitViewKey(ViewKey("1.txt", "waa"))
	if file != "1.txt" || owner != "waa" {
		t.Fatalf("got (%q, %q)", file, owner)
	}
}
