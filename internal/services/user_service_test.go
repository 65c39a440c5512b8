// internal/services/user_service_test.go
package services

import (
	"context"
	"testing"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
)

func TestEnsureUserIdempotent(t *testing.T) {
	store := openServiceTestStore(t)
	users, err := NewUserService(context.Background(), store)
	if err != nil {
		t.Fatalf("创建用户服务失败: %v", err)
	}

	first, err := users.EnsureUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("EnsureUser失败: %v", err)
	}
	second, err := users.EnsureUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("第二次EnsureUser失败: %v", err)
	}
	if first.ID != second.ID {
		t.Error("相同用户名应返回同一用户")
	}

	if _, err := users.EnsureUser(context.Background(), "  "); apperrors.TypeOf(err) != apperrors.ErrorTypeValidation {
		t.Error("空用户名应返回validation错误")
	}
}

func TestUpdatePreferencesPersists(t *testing.T) {
	store := openServiceTestStore(t)
	users, _ := NewUserService(context.Background(), store)

	user, _ := users.EnsureUser(context.Background(), "alice")
	_, err := users.UpdatePreferences(context.Background(), user.ID, models.UserPreferences{
		ActiveProvider:   "openai",
		PacingIntervalMs: 2000,
		ResponseLength:   "short",
	})
	if err != nil {
		t.Fatalf("UpdatePreferences失败: %v", err)
	}

	reloaded, err := NewUserService(context.Background(), store)
	if err != nil {
		t.Fatalf("重建用户服务失败: %v", err)
	}
	restored, err := reloaded.Get(user.ID)
	if err != nil {
		t.Fatalf("重启后用户丢失: %v", err)
	}
	if restored.Preferences.ActiveProvider != "openai" || restored.Preferences.PacingIntervalMs != 2000 {
		t.Errorf("偏好未持久化: %+v", restored.Preferences)
	}
}
