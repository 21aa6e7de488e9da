package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"apexrag/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubLLM(t *testing.T, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		json.NewEncoder(w).Encode(generateResponse{Response: response})
	}))
}

func TestClientClassify(t *testing.T) {
	t.Run("valid json decision", func(t *testing.T) {
		srv := stubLLM(t, `{"route": "hr", "confidence": 0.87}`)
		defer srv.Close()

		c := New(Config{URL: srv.URL, Model: "test"})
		decision, err := c.Classify(context.Background(), "¿cuántos días de vacaciones?")
		require.NoError(t, err)
		assert.Equal(t, "hr", decision.Route)
		assert.InDelta(t, 0.87, decision.Confidence, 1e-9)
	})

	t.Run("json wrapped in prose is extracted", func(t *testing.T) {
		srv := stubLLM(t, "Claro, la clasificación es:\n{\"route\": \"rag\", \"confidence\": 0.6}\nSaludos.")
		defer srv.Close()

		c := New(Config{URL: srv.URL, Model: "test"})
		decision, err := c.Classify(context.Background(), "pregunta")
		require.NoError(t, err)
		assert.Equal(t, "rag", decision.Route)
	})

	t.Run("garbage output is a provider failure", func(t *testing.T) {
		srv := stubLLM(t, "no puedo clasificar esto")
		defer srv.Close()

		c := New(Config{URL: srv.URL, Model: "test"})
		_, err := c.Classify(context.Background(), "pregunta")
		var depErr types.DependencyError
		require.ErrorAs(t, err, &depErr)
	})

	t.Run("empty route is a provider failure", func(t *testing.T) {
		srv := stubLLM(t, `{"route": "", "confidence": 0.5}`)
		defer srv.Close()

		c := New(Config{URL: srv.URL, Model: "test"})
		_, err := c.Classify(context.Background(), "pregunta")
		var depErr types.DependencyError
		require.ErrorAs(t, err, &depErr)
	})
}

func TestClientGenerateAnswer(t *testing.T) {
	t.Run("upstream error is wrapped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := New(Config{URL: srv.URL, Model: "test"})
		_, err := c.GenerateAnswer(context.Background(), "contexto", "pregunta")
		var depErr types.DependencyError
		require.ErrorAs(t, err, &depErr)
	})
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	out, err := extractJSON(`prefix {"a": 1} suffix`)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, out)

	_, err = extractJSON("sin json")
	assert.Error(t, err)
}
