// internal/services/media_service_test.go
package services

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/llm"
)

// fakeMediaProvider 带可选媒体能力的假提供商
type fakeMediaProvider struct {
	fakeProvider

	mu        sync.Mutex
	imageURL  string
	imageErr  error
	submitErr error
	polls     int
	pollFn    func(poll int) (*llm.VideoJobStatus, error)
}

func (f *fakeMediaProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return f.imageURL, f.imageErr
}

func (f *fakeMediaProvider) SubmitVideo(ctx context.Context, prompt string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeMediaProvider) PollVideo(ctx context.Context, jobID string) (*llm.VideoJobStatus, error) {
	f.mu.Lock()
	poll := f.polls
	f.polls++
	f.mu.Unlock()
	return f.pollFn(poll)
}

func newTestMedia(p llm.Provider) *MediaService {
	return &MediaService{
		generation:      newTestGeneration(p, 0, time.Millisecond),
		pollInterval:    time.Millisecond,
		pollMaxAttempts: 5,
	}
}

func TestGenerateImage(t *testing.T) {
	fake := &fakeMediaProvider{imageURL: "https://img.example/1.png"}
	media := newTestMedia(fake)

	url, err := media.GenerateImage(context.Background(), "a lighthouse")
	if err != nil {
		t.Fatalf("GenerateImage失败: %v", err)
	}
	if url != "https://img.example/1.png" {
		t.Errorf("URL = %q", url)
	}
}

func TestGenerateImageUnsupportedProvider(t *testing.T) {
	// fakeProvider 不实现 ImageGenerator
	media := newTestMedia(&fakeProvider{})

	_, err := media.GenerateImage(context.Background(), "x")
	if err == nil {
		t.Fatal("不支持图像生成的提供商应返回错误")
	}
	if apperrors.TypeOf(err) != apperrors.ErrorTypeToolSideEffect {
		t.Errorf("错误类型 = %s, 期望 tool_side_effect", apperrors.TypeOf(err))
	}
}

func TestGenerateVideoPollsUntilDone(t *testing.T) {
	fake := &fakeMediaProvider{
		pollFn: func(poll int) (*llm.VideoJobStatus, error) {
			if poll < 2 {
				return &llm.VideoJobStatus{Done: false}, nil
			}
			return &llm.VideoJobStatus{Done: true, URL: "https://vid.example/1.mp4"}, nil
		},
	}
	media := newTestMedia(fake)

	url, err := media.GenerateVideo(context.Background(), "a storm")
	if err != nil {
		t.Fatalf("GenerateVideo失败: %v", err)
	}
	if url != "https://vid.example/1.mp4" {
		t.Errorf("URL = %q", url)
	}
	if fake.polls != 3 {
		t.Errorf("轮询次数 = %d, 期望 3", fake.polls)
	}
}

func TestGenerateVideoPollCeiling(t *testing.T) {
	fake := &fakeMediaProvider{
		pollFn: func(poll int) (*llm.VideoJobStatus, error) {
			return &llm.VideoJobStatus{Done: false}, nil
		},
	}
	media := newTestMedia(fake)

	_, err := media.GenerateVideo(context.Background(), "never finishes")
	if err == nil {
		t.Fatal("超过轮询上限应返回错误")
	}
	if apperrors.TypeOf(err) != apperrors.ErrorTypeTimeout {
		t.Errorf("错误类型 = %s, 期望 timeout", apperrors.TypeOf(err))
	}
	if fake.polls != media.pollMaxAttempts {
		t.Errorf("轮询次数 = %d, 期望 %d", fake.polls, media.pollMaxAttempts)
	}
}

func TestGenerateVideoJobFailure(t *testing.T) {
	fake := &fakeMediaProvider{
		pollFn: func(poll int) (*llm.VideoJobStatus, error) {
			return &llm.VideoJobStatus{Done: true, FailureReason: "content policy"}, nil
		},
	}
	media := newTestMedia(fake)

	_, err := media.GenerateVideo(context.Background(), "x")
	if err == nil {
		t.Fatal("任务失败应返回错误")
	}
	if apperrors.TypeOf(err) != apperrors.ErrorTypeToolSideEffect {
		t.Errorf("错误类型 = %s, 期望 tool_side_effect", apperrors.TypeOf(err))
	}
}

func TestGenerateVideoTransientPollErrorContinues(t *testing.T) {
	fake := &fakeMediaProvider{
		pollFn: func(poll int) (*llm.VideoJobStatus, error) {
			if poll == 0 {
				return nil, apperrors.NewProcessingError("网络抖动", nil)
			}
			return &llm.VideoJobStatus{Done: true, URL: "https://vid.example/2.mp4"}, nil
		},
	}
	media := newTestMedia(fake)

	url, err := media.GenerateVideo(context.Background(), "x")
	if err != nil {
		t.Fatalf("单次轮询失败不应中断循环: %v", err)
	}
	if url == "" {
		t.Error("应返回视频URL")
	}
}
