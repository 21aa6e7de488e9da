package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"apexrag/types"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const answerSystemPrompt = `Eres un sistema RAG estricto.
REGLAS OBLIGATORIAS:
- Usa EXCLUSIVAMENTE el contenido del contexto.
- Cada afirmación relevante DEBE incluir una cita explícita.
- Usa el formato (FUENTE X).
- NO uses conocimiento previo.
- NO inventes información.
- Si el contexto no contiene la respuesta, responde EXACTAMENTE:
  'No hay información suficiente en los documentos cargados.'
- Responde en español formal.
- Está PROHIBIDO escribir afirmaciones sin '(FUENTE X)'.
- Si no puedes respaldar una afirmación con una FUENTE, no la incluyas.`

const classifierSystemPrompt = `Eres un clasificador de intención.
Tu única tarea es clasificar la pregunta en UNA sola ruta.

Rutas posibles:
- rag → preguntas que deben responderse usando documentos cargados
- hr → recursos humanos, ética, legislación laboral
- legal → cumplimiento normativo, contratos, leyes
- technical → tecnología, sistemas, soporte TI
- training → capacitación, cursos, formación

Responde SOLO en JSON válido, sin texto adicional.
Formato EXACTO:
{ "route": "rag|hr|legal|technical|training", "confidence": 0.0 }`

type Config struct {
	URL     string
	Model   string
	Timeout time.Duration
}

// Client talks to the answer-generation provider. Calls are rate limited
// and wrapped in a circuit breaker so a degraded provider fails fast
// instead of piling up blocked requests.
type Client struct {
	url     string
	model   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "LLM",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Default().Warn("circuit breaker state change", "name", name,
				"from", from.String(), "to", to.String())
		},
	})
	return &Client{
		url:     cfg.URL,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		logger:  slog.Default(),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// GenerateAnswer asks the model for an answer built only from the supplied
// context, with a "(FUENTE N)" citation on every asserted fact.
func (c *Client) GenerateAnswer(ctx context.Context, contextBlock, question string) (string, error) {
	prompt := fmt.Sprintf(`CONTEXTO DOCUMENTAL:
%s

PREGUNTA DEL USUARIO:
%s

INSTRUCCIONES DE RESPUESTA:
- Responde SOLO con base en el contexto.
- Cuando cites texto literal del contexto, encierra la frase entre comillas.
- Incluye la referencia correspondiente en formato (FUENTE X).`, contextBlock, question)

	if count, err := countTokens(answerSystemPrompt + prompt); err == nil {
		c.logger.Info("prompt assembled", "tokens", count)
	}

	start := time.Now()
	answer, err := c.generate(ctx, answerSystemPrompt, prompt, "")
	if err != nil {
		return "", err
	}
	c.logger.Info("answer generated", "took", time.Since(start))
	return strings.TrimSpace(answer), nil
}

// Classify returns the route decision for a question. The model is forced
// into JSON output; anything unparseable counts as a provider failure.
func (c *Client) Classify(ctx context.Context, question string) (types.RouteDecision, error) {
	raw, err := c.generate(ctx, classifierSystemPrompt, question, "json")
	if err != nil {
		return types.RouteDecision{}, err
	}

	jsonStr, err := extractJSON(raw)
	if err != nil {
		return types.RouteDecision{}, types.NewDependencyError("classifier",
			fmt.Errorf("no JSON in classifier output: %q", raw))
	}
	var decision types.RouteDecision
	if err := json.Unmarshal([]byte(jsonStr), &decision); err != nil {
		return types.RouteDecision{}, types.NewDependencyError("classifier", err)
	}
	if decision.Route == "" {
		return types.RouteDecision{}, types.NewDependencyError("classifier",
			fmt.Errorf("classifier returned empty route"))
	}
	return decision, nil
}

func (c *Client) generate(ctx context.Context, system, prompt, format string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody, err := json.Marshal(generateRequest{
		Model:  c.model,
		System: system,
		Prompt: prompt,
		Stream: false,
		Format: format,
	})
	if err != nil {
		return "", err
	}

	result, err := c.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(reqBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("LLM API error: status %d, body: %s", resp.StatusCode, string(body))
		}

		var genResp generateResponse
		if err := json.Unmarshal(body, &genResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return genResp.Response, nil
	})
	if err != nil {
		return "", types.NewDependencyError("generation", err)
	}
	return result.(string), nil
}

func countTokens(text string) (int, error) {
	enc, err := tiktoken.EncodingForModel("gpt-3.5-turbo")
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return s, errors.New("no valid json found")
	}
	return s[start : end+1], nil
}
