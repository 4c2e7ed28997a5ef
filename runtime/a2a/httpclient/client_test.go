package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/runtime/a2a"
	"github.com/lucia-home/lucia/runtime/a2a/types"
)

// TestSendMessageSuccess verifies that SendMessage issues a JSON-RPC request
// with the expected method and params and decodes the reply Message.
func TestSendMessageSuccess(t *testing.T) {
	t.Helper()

	var captured rpcRequest

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		defer func() { _ = r.Body.Close() }()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		require.Equal(t, "2.0", captured.JSONRPC)
		require.Equal(t, "message/send", captured.Method)

		reply := types.NewTextMessage("assistant", "m-reply", "ctx-1", "Reminder set for 10 minutes.")
		resultBytes, err := json.Marshal(reply)
		require.NoError(t, err)

		resp := rpcResponse{
			JSONRPC: "2.0",
			Result:  resultBytes,
			ID:      captured.ID,
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)

	params := types.MessageSendParams{
		Message: types.NewTextMessage("user", "m1", "ctx-1", "set a timer for 10 minutes"),
	}
	msg, err := client.SendMessage(context.Background(), params)
	require.NoError(t, err)

	paramsMap, ok := captured.Params.(map[string]any)
	require.True(t, ok)
	msgMap, ok := paramsMap["message"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ctx-1", msgMap["contextId"])

	text, ok := msg.FirstText()
	require.True(t, ok)
	require.Equal(t, "Reminder set for 10 minutes.", text)
}

// TestSendMessageJSONRPCErrorMapping verifies that JSON-RPC errors are
// converted into the public a2a.Error type with matching code and message.
func TestSendMessageJSONRPCErrorMapping(t *testing.T) {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()

		resp := rpcResponse{
			JSONRPC: "2.0",
			Error: &rpcError{
				Code:    a2a.JSONRPCInvalidParams,
				Message: "invalid params",
			},
			ID: 1,
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)

	params := types.MessageSendParams{
		Message: types.NewTextMessage("user", "m1", "ctx-1", "bad request"),
	}
	_, err = client.SendMessage(context.Background(), params)
	require.Error(t, err)

	var a2aErr *a2a.Error
	require.True(t, errors.As(err, &a2aErr))
	require.Equal(t, a2a.JSONRPCInvalidParams, a2aErr.Code)
	require.Equal(t, "invalid params", a2aErr.Message)
}

// TestWithHeaderAndBearerToken verifies that auth-related options attach headers.
func TestWithHeaderAndBearerToken(t *testing.T) {
	t.Helper()

	var authHeader string
	var apiKey string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		apiKey = r.Header.Get("X-API-Key")

		reply := types.NewTextMessage("assistant", "m-reply", "ctx-1", "ok")
		resultBytes, err := json.Marshal(reply)
		require.NoError(t, err)

		resp := rpcResponse{
			JSONRPC: "2.0",
			Result:  resultBytes,
			ID:      1,
		}
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(server.URL,
		WithBearerToken("secret-token"),
		WithHeader("X-API-Key", "apikey"),
	)
	require.NoError(t, err)

	params := types.MessageSendParams{
		Message: types.NewTextMessage("user", "m1", "ctx-1", "hi"),
	}
	_, err = client.SendMessage(context.Background(), params)
	require.NoError(t, err)

	require.Equal(t, "Bearer secret-token", authHeader)
	require.Equal(t, "apikey", apiKey)
}
