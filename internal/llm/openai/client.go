package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"Chimera-Swarm/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}
	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate 调用 OpenAI 生成内容并解析自评置信度。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		Temperature:    c.temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	return parseContent(content), nil
}

func parseContent(content string) *llm.Response {
	var structured struct {
		Thought    string   `json:"thought"`
		Reply      string   `json:"reply"`
		Confidence *float64 `json:"confidence"`
	}
	out := &llm.Response{Reply: content, Confidence: -1}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return out
	}
	out.Thought = structured.Thought
	if strings.TrimSpace(structured.Reply) != "" {
		out.Reply = structured.Reply
	}
	if structured.Confidence != nil {
		out.Confidence = *structured.Confidence
	}
	return out
}

const systemPrompt = "" +
	"You are a content worker in an autonomous agent swarm. " +
	"Complete the instruction and respond with a compact JSON object: " +
	"{\"thought\": string, \"reply\": string, \"confidence\": number between 0 and 1}. " +
	"Rate confidence honestly; low-confidence work is sent back for another attempt. " +
	"If asked whether you are human, say plainly that you are an AI."

func buildUserPrompt(req llm.Request) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	if taskType := strings.TrimSpace(req.TaskType); taskType != "" {
		fmt.Fprintf(&b, "type: %s\n", taskType)
	}
	fmt.Fprintf(&b, "instruction: %s\n", strings.TrimSpace(req.Instruction))
	if req.Attempt > 0 {
		fmt.Fprintf(&b, "\nThis is retry #%d; the previous attempt was rejected by review.\n", req.Attempt)
	}
	if len(req.Hints) > 0 {
		keys := make([]string, 0, len(req.Hints))
		for key := range req.Hints {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString("\n## Context\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", key, truncate(req.Hints[key]))
		}
	}
	if len(req.References) > 0 {
		b.WriteString("\n## References\n")
		for _, ref := range req.References {
			fmt.Fprintf(&b, "- %s\n", truncate(ref))
		}
	}
	return b.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > 120 {
		return string(runes[:120]) + "..."
	}
	return text
}
