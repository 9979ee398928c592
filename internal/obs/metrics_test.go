package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/memberships":                   "/v1/memberships",
		"/v1/memberships/stream":            "/v1/memberships/stream",
		"/v1/memberships/01HX":              "/v1/memberships/:key",
		"/v1/memberships/01HX/end":          "/v1/memberships/:key/end",
		"/v1/memberships/01HX/category":     "/v1/memberships/:key/category",
		"/v1/memberships/01HX/thread?x=1":   "/v1/memberships/:key/thread",
		"/v1/memberships/01HX/extra":        "/v1/memberships/01HX/extra",
		"/v1/memberships?member=m-1&open=1": "/v1/memberships",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

var errPrecondition = errors.New("precondition")

func TestObserveTransitionOutcome(t *testing.T) {
	RegisterOutcome(errPrecondition, "precondition")

	before := testutil.ToFloat64(transitionsTotal.WithLabelValues("end", "precondition"))
	ObserveTransition("end", errPrecondition)
	if got := testutil.ToFloat64(transitionsTotal.WithLabelValues("end", "precondition")); got != before+1 {
		t.Fatalf("precondition outcome not counted: %v", got)
	}
	if outcome(nil) != "ok" || outcome(errors.New("io")) != "error" {
		t.Fatal("unexpected default outcomes")
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	LogRequest(map[string]any{"path": "/healthz", "status": 200})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	for _, key := range []string{"ts", "level", "msg", "path", "status"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
}

func TestSetBuildInfoKeepsOneSeries(t *testing.T) {
	SetBuildInfo("0.1.0", "abc", "memory")
	SetBuildInfo("0.1.1", "def", "postgres")
	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected one build_info series, got %d", n)
	}
	if got := testutil.ToFloat64(buildInfo.WithLabelValues("0.1.1", "def", "postgres")); got != 1 {
		t.Fatalf("unexpected build_info value %v", got)
	}
}
