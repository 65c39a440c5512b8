// internal/services/media_service.go
package services

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/llm"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
)

// 视频轮询参数：固定间隔、固定次数上限
const (
	videoPollInterval    = 5 * time.Second
	videoPollMaxAttempts = 60
)

// MediaService 封装提供商的可选媒体能力
// 当前提供商不具备对应能力时返回 tool_side_effect 类错误
type MediaService struct {
	generation *GenerationService

	// 测试时可缩短
	pollInterval    time.Duration
	pollMaxAttempts int
}

// NewMediaService 创建媒体服务
func NewMediaService(generation *GenerationService) *MediaService {
	return &MediaService{
		generation:      generation,
		pollInterval:    videoPollInterval,
		pollMaxAttempts: videoPollMaxAttempts,
	}
}

// GenerateImage 生成一张图像并返回URL
func (s *MediaService) GenerateImage(ctx context.Context, prompt string) (string, error) {
	provider := s.generation.Provider()
	if provider == nil {
		return "", apperrors.NewMissingCredentialError("媒体生成需要已就绪的提供商")
	}

	gen, ok := provider.(llm.ImageGenerator)
	if !ok {
		return "", apperrors.NewToolSideEffectError(
			fmt.Sprintf("提供商 %s 不支持图像生成", provider.GetName()), nil)
	}

	url, err := gen.GenerateImage(ctx, prompt)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return "", err
		}
		return "", apperrors.NewToolSideEffectError("图像生成失败", err)
	}
	return url, nil
}

// GenerateVideo 提交视频任务并轮询至完成，返回视频URL
//
// 固定间隔轮询，超过次数上限按超时处理。单次轮询的传输错误
// 不中断循环，留给下一轮重查。
func (s *MediaService) GenerateVideo(ctx context.Context, prompt string) (string, error) {
	provider := s.generation.Provider()
	if provider == nil {
		return "", apperrors.NewMissingCredentialError("媒体生成需要已就绪的提供商")
	}

	gen, ok := provider.(llm.VideoGenerator)
	if !ok {
		return "", apperrors.NewToolSideEffectError(
			fmt.Sprintf("提供商 %s 不支持视频生成", provider.GetName()), nil)
	}

	jobID, err := gen.SubmitVideo(ctx, prompt)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return "", err
		}
		return "", apperrors.NewToolSideEffectError("提交视频任务失败", err)
	}

	logger := utils.GetLogger()
	for attempt := 0; attempt < s.pollMaxAttempts; attempt++ {
		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return "", apperrors.NewTimeoutError("视频生成等待被取消", ctx.Err())
		}

		status, err := gen.PollVideo(ctx, jobID)
		if err != nil {
			logger.Warn("视频状态查询失败，继续等待", map[string]interface{}{
				"job_id":  jobID,
				"attempt": attempt + 1,
				"err":     err.Error(),
			})
			continue
		}
		if !status.Done {
			continue
		}
		if status.FailureReason != "" {
			return "", apperrors.NewToolSideEffectError(
				fmt.Sprintf("视频生成失败: %s", status.FailureReason), nil)
		}
		if status.URL == "" {
			return "", apperrors.NewToolSideEffectError("视频生成完成但未返回URL", nil)
		}
		return status.URL, nil
	}

	return "", apperrors.NewTimeoutError(
		fmt.Sprintf("视频任务 %s 超过轮询上限仍未完成", jobID), nil)
}
