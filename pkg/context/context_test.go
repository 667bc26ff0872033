package context

import (
	"context"
	"testing"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "01HZX")
	if got := GetRequestID(ctx); got != "01HZX" {
		t.Errorf("GetRequestID = %q, expected %q", got, "01HZX")
	}
	if got := GetRequestID(context.Background()); got != "unknown" {
		t.Errorf("GetRequestID on empty context = %q, expected unknown", got)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := WithSessionID(context.Background(), "abc")
	if got := GetSessionID(ctx); got != "abc" {
		t.Errorf("GetSessionID = %q, expected abc", got)
	}
	if got := GetSessionID(context.Background()); got != "" {
		t.Errorf("GetSessionID on empty context = %q, expected empty", got)
	}
}
