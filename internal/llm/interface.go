// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message 一条对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition 声明一个模型可调用的工具
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// ToolCall 模型发起的一次工具调用
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // 原始JSON参数
}

// 请求参数标准化
type CompletionRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Messages     []Message              `json:"messages,omitempty"` // 非空时优先于 Prompt
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float32                `json:"temperature,omitempty"`
	Model        string                 `json:"model,omitempty"`
	JSONMode     bool                   `json:"json_mode,omitempty"`
	// ResponseSchema 结构化输出的对象schema（字符串/字符串数组字段）
	// 结构化提供商原生支持；聊天提供商退化为JSON模式+提示词约束
	ResponseSchema map[string]interface{} `json:"response_schema,omitempty"`
	Tools          []ToolDefinition       `json:"tools,omitempty"`
	ExtraParams    map[string]interface{} `json:"extra_params,omitempty"`
}

// 响应结构标准化
type CompletionResponse struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed   int        `json:"tokens_used,omitempty"`
	PromptTokens int        `json:"prompt_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
	ModelName    string     `json:"model_name,omitempty"`
	ProviderName string     `json:"provider_name,omitempty"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 文本生成
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ImageGenerator 可选能力：图像生成，返回图像URL
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// VideoJobStatus 视频生成任务的轮询状态
type VideoJobStatus struct {
	Done          bool   `json:"done"`
	URL           string `json:"url,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// VideoGenerator 可选能力：提交+轮询式的视频生成
type VideoGenerator interface {
	SubmitVideo(ctx context.Context, prompt string) (string, error)
	PollVideo(ctx context.Context, jobID string) (*VideoJobStatus, error)
}

// 注册表和工厂函数类型
type ProviderFactory func() Provider

var providers = make(map[string]ProviderFactory)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	err := provider.Initialize(config)
	return provider, err
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
