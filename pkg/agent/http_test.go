package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPInvokerRoundTrip(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "AYE, the motion is sound."}},
			},
		})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, WithAPIKey("sekrit"), WithHTTPClient(srv.Client()))
	resp, err := inv.Invoke(context.Background(), Invocation{
		ArchonID: "ARCHON:BAEL",
		Role:     RoleVote,
		Subject:  "Adopt the budget.",
		Round:    2,
		Context:  []string{"BAEL: the numbers hold"},
	})
	require.NoError(t, err)
	assert.Equal(t, "AYE, the motion is sound.", resp.Text)

	// The archon id routes as the model name.
	assert.Equal(t, "ARCHON:BAEL", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "Adopt the budget.")
	assert.Contains(t, got.Messages[1].Content, "Round 2")
}

func TestHTTPInvokerNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, WithHTTPClient(srv.Client()))
	_, err := inv.Invoke(context.Background(), Invocation{ArchonID: "ARCHON:PAIMON", Role: RoleSpeech})
	assert.Error(t, err)
}

func TestHTTPInvokerEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, WithHTTPClient(srv.Client()))
	_, err := inv.Invoke(context.Background(), Invocation{ArchonID: "ARCHON:PAIMON", Role: RoleSpeech})
	assert.Error(t, err)
}
