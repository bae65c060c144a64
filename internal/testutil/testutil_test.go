package testutil

import (
	"net/http"
	"strings"
	"testing"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestLoopbackRequest(t *testing.T) {
	t.Parallel()

	req := LoopbackRequest(http.MethodGet, "/debug/counts")
	if req.RemoteAddr != "127.0.0.1:12345" {
		t.Errorf("RemoteAddr = %q", req.RemoteAddr)
	}
	if req.URL.Path != "/debug/counts" || req.Method != http.MethodGet {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	got := DecodeJSON[map[string]int](t, strings.NewReader(`{"total":7}`))
	if got["total"] != 7 {
		t.Errorf("decoded %v", got)
	}
}
