package jsonrpc_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/health-research-mcp/internal/jsonrpc"
)

func TestDecode(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		msg, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := "request", msg.Type(); want != got {
			t.Fatalf("expected type %q, got %q", want, got)
		}
		if want, got := "7", msg.ID.String(); want != got {
			t.Fatalf("expected id %q, got %q", want, got)
		}
	})

	t.Run("notification", func(t *testing.T) {
		msg, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !msg.IsNotification() {
			t.Fatalf("expected notification, got %s", msg.Type())
		}
	})

	t.Run("string id stays a string", func(t *testing.T) {
		msg, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":"42","method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := msg.ID.Value().(string); !ok {
			t.Fatalf("expected string id, got %T", msg.ID.Value())
		}
	})

	t.Run("batch rejected", func(t *testing.T) {
		_, err := jsonrpc.Decode([]byte(` [{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
		if !errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			t.Fatalf("expected ErrBatchUnsupported, got %v", err)
		}
	})

	t.Run("wrong version", func(t *testing.T) {
		if _, err := jsonrpc.Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)); err == nil {
			t.Fatalf("expected error for wrong version")
		}
	})

	t.Run("request with result", func(t *testing.T) {
		if _, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`)); err == nil {
			t.Fatalf("expected error for request carrying a result")
		}
	})
}

func TestErrorResponseNullID(t *testing.T) {
	b, err := json.Marshal(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeUnknownSession, "gone", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32001,"message":"gone"},"id":null}`
	if got := string(b); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
