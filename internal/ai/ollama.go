// Package ai answers free-text prompts in the agent's persona.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	agenterr "nexus-core/internal/errors"
	"nexus-core/pkg/config"
)

// Ollama calls a /api/generate endpoint with streaming disabled.
type Ollama struct {
	HTTPClient *http.Client
	URL        string
	Model      string
	cfg        config.AI
}

func NewOllama(cfg config.AI) *Ollama {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Ollama{
		HTTPClient: &http.Client{Timeout: timeout},
		URL:        strings.TrimSpace(cfg.OllamaURL),
		Model:      cfg.Model,
		cfg:        cfg,
	}
}

// Prompt renders the persona preamble followed by the user's text.
func (o *Ollama) Prompt(text string) string {
	persona := strings.ReplaceAll(o.cfg.Persona, "%AGENT%", o.cfg.AgentName)
	var b strings.Builder
	if persona != "" {
		b.WriteString(persona)
		b.WriteString("\n")
	}
	if o.cfg.Goals != "" {
		fmt.Fprintf(&b, "Goals: %s\n", o.cfg.Goals)
	}
	fmt.Fprintf(&b, "\nUser: %s\nAI:", strings.TrimSpace(text))
	return b.String()
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Reply generates the agent's answer to text.
func (o *Ollama) Reply(ctx context.Context, text string) (string, error) {
	if o.URL == "" {
		return "", agenterr.New(agenterr.CodeConfig, "OLLAMA_URL not configured")
	}
	body, err := json.Marshal(generateRequest{Model: o.Model, Prompt: o.Prompt(text)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return "", agenterr.Wrap(agenterr.CodeNetwork, "ollama request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", agenterr.Wrap(agenterr.CodeNetwork, "read ollama response", err)
	}
	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", agenterr.Wrap(agenterr.CodeNetwork, "decode ollama response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", agenterr.Newf(agenterr.CodeNetwork, "ollama: http %d: %s", resp.StatusCode, gr.Error)
	}
	reply := strings.TrimSpace(gr.Response)
	if reply == "" {
		return "", agenterr.New(agenterr.CodeNetwork, "ollama returned an empty response")
	}
	return reply, nil
}
