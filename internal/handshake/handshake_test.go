package handshake_test

import (
	"errors"
	"testing"

	"github.com/ggoodman/health-research-mcp/internal/handshake"
	"github.com/ggoodman/health-research-mcp/internal/jsonrpc"
)

func decode(t *testing.T, raw string) *jsonrpc.AnyMessage {
	t.Helper()
	msg, err := jsonrpc.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestClassify(t *testing.T) {
	known := map[string]string{"s-1": "session one"}
	lookups := 0
	enf := handshake.NewEnforcer(func(id string) (string, bool) {
		lookups++
		s, ok := known[id]
		return s, ok
	})

	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`

	tests := []struct {
		name      string
		sessionID string
		msg       string
		wantKind  handshake.Kind
		wantErr   error
	}{
		{name: "initialize without session", msg: initialize, wantKind: handshake.Bootstrap},
		{name: "tools call without session", msg: `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"x"}}`, wantErr: handshake.ErrHandshakeRequired},
		{name: "ping without session", msg: `{"jsonrpc":"2.0","id":2,"method":"ping"}`, wantErr: handshake.ErrHandshakeRequired},
		{name: "initialize as notification", msg: `{"jsonrpc":"2.0","method":"initialize","params":{}}`, wantErr: handshake.ErrHandshakeRequired},
		{name: "initialized notification without session", msg: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, wantErr: handshake.ErrHandshakeRequired},
		{name: "known session", sessionID: "s-1", msg: `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, wantKind: handshake.Route},
		{name: "initialize on known session still routes", sessionID: "s-1", msg: initialize, wantKind: handshake.Route},
		{name: "unknown session", sessionID: "does-not-exist", msg: `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, wantErr: handshake.ErrUnknownSession},
		{name: "initialize on unknown session", sessionID: "does-not-exist", msg: initialize, wantErr: handshake.ErrUnknownSession},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := decode(t, tc.msg)
			// Classification is repeatable.
			for range 2 {
				d, err := enf.Classify(tc.sessionID, msg)
				if tc.wantErr != nil {
					if !errors.Is(err, tc.wantErr) {
						t.Fatalf("expected %v, got %v", tc.wantErr, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if want, got := tc.wantKind, d.Kind; want != got {
					t.Fatalf("expected kind %v, got %v", want, got)
				}
				if d.Kind == handshake.Route && d.Session != "session one" {
					t.Fatalf("expected routed session, got %q", d.Session)
				}
			}
		})
	}

	if len(known) != 1 {
		t.Fatalf("classification must not mutate the registry")
	}
	if lookups == 0 {
		t.Fatalf("expected lookups for routed messages")
	}
}
