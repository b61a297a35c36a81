package launcher

import (
	"encoding/json"
	"testing"
)

func TestHandleRoundTrip(t *testing.T) {
	in := Handle{Backend: "kubernetes", Namespace: "pipelines", JobName: "pv-exec-1"}
	raw, err := EncodeHandle(in)
	if err != nil {
		t.Fatalf("EncodeHandle() err=%v", err)
	}
	out, err := DecodeHandle(raw)
	if err != nil {
		t.Fatalf("DecodeHandle() err=%v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestDecodeHandleRejectsEmpty(t *testing.T) {
	if _, err := DecodeHandle(nil); err == nil {
		t.Fatal("expected error for empty handle")
	}
	if _, err := DecodeHandle(json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error for malformed handle")
	}
}

func TestDaemonUnreachable(t *testing.T) {
	cases := []struct {
		output string
		want   bool
	}{
		{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock", true},
		{"error during connect: Get http://...: EOF", true},
		{"Error: No such object: pv-exec-1", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := daemonUnreachable(tc.output); got != tc.want {
			t.Fatalf("daemonUnreachable(%q) = %v, want %v", tc.output, got, tc.want)
		}
	}
}
