// internal/llm/providers/openai/openai.go
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			baseURL: "https://api.openai.com/v1",
		}
	})
}

// Provider 纯聊天补全提供商：自由格式消息，JSON通过带内提示返回
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	imageModel   string
	videoModel   string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("OpenAI API密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gpt-4.1-mini"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	if model, exists := config["image_model"]; exists && model != "" {
		p.imageModel = model
	} else {
		p.imageModel = "dall-e-3"
	}

	if model, exists := config["video_model"]; exists && model != "" {
		p.videoModel = model
	} else {
		p.videoModel = "sora-2"
	}

	return nil
}

func (p *Provider) GetName() string {
	return "openai"
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	// 组装消息列表
	messages := make([]map[string]interface{}, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]interface{}{
			"role": "system", "content": req.SystemPrompt,
		})
	}
	if len(req.Messages) > 0 {
		for _, msg := range req.Messages {
			messages = append(messages, map[string]interface{}{
				"role": msg.Role, "content": msg.Content,
			})
		}
	} else if req.Prompt != "" {
		messages = append(messages, map[string]interface{}{
			"role": "user", "content": req.Prompt,
		})
	}

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}

	// 结构化schema退化为JSON模式：本提供商不支持声明式schema
	if req.JSONMode || req.ResponseSchema != nil {
		requestBody["response_format"] = map[string]string{"type": "json_object"}
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		requestBody["tools"] = tools
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := p.postJSON(ctx, "/chat/completions", requestBody, &response); err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, errors.New("OpenAI未返回任何结果")
	}

	choice := response.Choices[0]
	result := &llm.CompletionResponse{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		TokensUsed:   response.Usage.TotalTokens,
		PromptTokens: response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		ModelName:    model,
		ProviderName: "openai",
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return result, nil
}

// GenerateImage 调用图像生成端点，返回图像URL
func (p *Provider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	requestBody := map[string]interface{}{
		"model":  p.imageModel,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	}

	var response struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}

	if err := p.postJSON(ctx, "/images/generations", requestBody, &response); err != nil {
		return "", err
	}
	if len(response.Data) == 0 || response.Data[0].URL == "" {
		return "", errors.New("图像生成未返回URL")
	}
	return response.Data[0].URL, nil
}

// SubmitVideo 提交视频生成任务，返回任务ID
func (p *Provider) SubmitVideo(ctx context.Context, prompt string) (string, error) {
	requestBody := map[string]interface{}{
		"model":  p.videoModel,
		"prompt": prompt,
	}

	var response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}

	if err := p.postJSON(ctx, "/videos", requestBody, &response); err != nil {
		return "", err
	}
	if response.ID == "" {
		return "", errors.New("视频生成未返回任务ID")
	}
	return response.ID, nil
}

// PollVideo 查询视频生成任务状态
func (p *Provider) PollVideo(ctx context.Context, jobID string) (*llm.VideoJobStatus, error) {
	url := fmt.Sprintf("%s/videos/%s", p.baseURL, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.NewTimeoutError("OpenAI视频查询超时", err)
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("视频状态查询失败(%d): %s", httpResp.StatusCode, string(body))
	}

	var response struct {
		ID     string `json:"id"`
		Status string `json:"status"` // queued / in_progress / completed / failed
		URL    string `json:"url"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	status := &llm.VideoJobStatus{}
	switch response.Status {
	case "completed":
		status.Done = true
		status.URL = response.URL
	case "failed":
		status.Done = true
		status.FailureReason = response.Error.Message
	}
	return status, nil
}

// postJSON 发送请求并解析响应，统一处理限流与超时分类
func (p *Provider) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.NewTimeoutError("OpenAI请求超时", err)
		}
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		if httpResp.StatusCode == http.StatusTooManyRequests {
			return apperrors.NewRateLimitedError(
				fmt.Sprintf("OpenAI API限流(%d)", httpResp.StatusCode), errors.New(string(respBody)))
		}
		var errorResp map[string]interface{}
		if err := json.Unmarshal(respBody, &errorResp); err == nil {
			if errorObj, ok := errorResp["error"].(map[string]interface{}); ok {
				// 配额耗尽也按限流处理
				if code, ok := errorObj["code"].(string); ok && code == "insufficient_quota" {
					return apperrors.NewRateLimitedError("OpenAI配额耗尽", errors.New(string(respBody)))
				}
				return fmt.Errorf("OpenAI API错误(%d): %v", httpResp.StatusCode, errorObj["message"])
			}
		}
		return fmt.Errorf("OpenAI API错误(%d): %s", httpResp.StatusCode, string(respBody))
	}

	return json.NewDecoder(httpResp.Body).Decode(out)
}
