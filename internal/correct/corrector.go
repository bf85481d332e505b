// Package correct fixes transcription text through a local Ollama server.
package correct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
)

const (
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
	DefaultTopK        = 40
)

var prompts = map[string]string{
	"de": "Bitte korrigiere den folgenden deutschen Text bezüglich Rechtschreibung, " +
		"Grammatik, Zeichensetzung und Groß-/Kleinschreibung. Der Text stammt aus einer Transkription. " +
		"Es ist möglich, dass du einzelne Worte noch aus dem Kontext des Satzes korrigieren musst.\n" +
		"Gib nur den korrigierten Text zurück, keine Erklärungen:",
	"en": "Please correct the following English text for spelling, " +
		"grammar, punctuation, and capitalization. The text is from a transcription.\n" +
		"You may need to correct individual words based on the context of the sentence.\n" +
		"Return only the corrected text, no explanations:",
}

// Languages lists the supported language codes.
func Languages() []string { return []string{"de", "en"} }

// Request describes one correction call. Zero Model selects the language default.
type Request struct {
	Text        string
	Language    string
	Model       string
	Temperature float64
	TopP        float64
	TopK        int
}

// NewRequest returns a request with the default sampling parameters.
func NewRequest(text, language string) Request {
	return Request{
		Text:        text,
		Language:    language,
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		TopK:        DefaultTopK,
	}
}

// ValidationError reports a request rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError reports a failure talking to the inference server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ollama %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Validate checks the sampling ranges, the language and the input text.
func Validate(req Request) error {
	if _, ok := prompts[req.Language]; !ok {
		return &ValidationError{Field: "language", Reason: fmt.Sprintf("%q is not one of %s", req.Language, strings.Join(Languages(), ", "))}
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		return &ValidationError{Field: "temperature", Reason: "must be between 0.0 and 1.0"}
	}
	if req.TopP < 0 || req.TopP > 1 {
		return &ValidationError{Field: "top_p", Reason: "must be between 0.0 and 1.0"}
	}
	if req.TopK < 1 || req.TopK > 100 {
		return &ValidationError{Field: "top_k", Reason: "must be between 1 and 100"}
	}
	if strings.TrimSpace(req.Text) == "" {
		return &ValidationError{Field: "text", Reason: "input is empty"}
	}
	return nil
}

// Prompt builds the full prompt sent to the model.
func Prompt(language, text string) string {
	return prompts[language] + "\n\n" + text
}

type Client struct {
	endpoint string
	models   map[string]string
	http     *http.Client
	logger   *slog.Logger
}

func NewClient(cfg config.CorrectorConfig, logger *slog.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		models:   map[string]string{"de": cfg.ModelDE, "en": cfg.ModelEN},
		http:     &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		logger:   logger.With(slog.String("component", "corrector")),
	}
}

// Model resolves the model used for req.
func (c *Client) Model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.models[req.Language]
}

type generateRequest struct {
	Model       string          `json:"model"`
	Prompt      string          `json:"prompt"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	TopK        int             `json:"top_k"`
	Options     generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

// Correct validates req and returns the model's corrected text.
func (c *Client) Correct(ctx context.Context, req Request) (string, error) {
	if err := Validate(req); err != nil {
		return "", err
	}
	payload := generateRequest{
		Model:       c.Model(req),
		Prompt:      Prompt(req.Language, req.Text),
		Stream:      false,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Options: generateOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending correction request", slog.String("model", payload.Model), slog.Int("chars", len(req.Text)))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &TransportError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &TransportError{Op: "generate", Err: fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransportError{Op: "decode", Err: err}
	}
	if out.Response == nil {
		return "", &TransportError{Op: "decode", Err: fmt.Errorf("response field missing")}
	}
	return *out.Response, nil
}
