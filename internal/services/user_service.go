// internal/services/user_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/storage"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"github.com/google/uuid"
)

// UserService 管理本地用户记录
type UserService struct {
	mu    sync.RWMutex
	users map[string]*models.User

	store *storage.Store
}

// NewUserService 创建用户服务并从存储加载既有用户
func NewUserService(ctx context.Context, store *storage.Store) (*UserService, error) {
	s := &UserService{
		users: make(map[string]*models.User),
		store: store,
	}

	records, err := store.GetAll(ctx, storage.PartitionUsers)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		var user models.User
		if err := rec.Decode(&user); err != nil {
			utils.GetLogger().Warn("跳过无法解码的用户", map[string]interface{}{
				"id": rec.ID, "err": err.Error(),
			})
			continue
		}
		s.users[user.ID] = &user
	}
	return s, nil
}

// EnsureUser 按用户名查找用户，不存在则创建
func (s *UserService) EnsureUser(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperrors.NewValidationError("用户名不能为空", nil)
	}

	s.mu.Lock()
	for _, user := range s.users {
		if user.Username == username {
			s.mu.Unlock()
			return user, nil
		}
	}

	now := time.Now()
	user := &models.User{
		ID:          uuid.New().String(),
		Username:    username,
		CreatedAt:   now,
		LastUpdated: now,
	}
	s.users[user.ID] = user
	s.mu.Unlock()

	if err := s.persist(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Get 按ID读取用户
func (s *UserService) Get(userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("用户不存在: %s", userID), nil)
	}
	return user, nil
}

// UpdatePreferences 更新用户偏好
func (s *UserService) UpdatePreferences(ctx context.Context, userID string, prefs models.UserPreferences) (*models.User, error) {
	s.mu.Lock()
	user, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("用户不存在: %s", userID), nil)
	}
	user.Preferences = prefs
	user.LastUpdated = time.Now()
	s.mu.Unlock()

	if err := s.persist(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// persist 把单个用户收敛到users分区
// 用户记录自成一个owner域，期望集合恒为单元素
func (s *UserService) persist(ctx context.Context, user *models.User) error {
	rec, err := storage.NewRecord(user.ID, user.ID, user)
	if err != nil {
		return err
	}
	return s.store.Reconcile(ctx, storage.PartitionUsers, user.ID, []storage.Record{rec})
}
