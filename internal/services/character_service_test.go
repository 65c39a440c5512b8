// internal/services/character_service_test.go
package services

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/llm"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/storage"
)

func newTestCharacterService(t *testing.T, provider llm.Provider) (*CharacterService, *storage.Store) {
	t.Helper()
	store := openServiceTestStore(t)
	generation := newTestGeneration(provider, 0, time.Millisecond)
	characters, err := NewCharacterService(context.Background(), generation, store)
	if err != nil {
		t.Fatalf("创建角色服务失败: %v", err)
	}
	return characters, store
}

func TestCreateAndListCharacters(t *testing.T) {
	characters, _ := newTestCharacterService(t, &fakeProvider{})

	ch, err := characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Marcus", Personality: "stoic"},
	})
	if err != nil {
		t.Fatalf("Create失败: %v", err)
	}
	if ch.ID == "" || ch.OwnerID != "u1" {
		t.Errorf("角色字段不符: %+v", ch)
	}
	if ch.Memories == nil {
		t.Error("Memories应初始化为空切片")
	}

	if got := len(characters.List("u1")); got != 1 {
		t.Errorf("List返回 %d 条, 期望 1", got)
	}
	if got := len(characters.List("u2")); got != 0 {
		t.Errorf("其他用户List返回 %d 条, 期望 0", got)
	}

	if _, err := characters.Create(context.Background(), "u1", models.GlobalCharacter{}); apperrors.TypeOf(err) != apperrors.ErrorTypeValidation {
		t.Error("空名称应返回validation错误")
	}
}

func TestMatchByName(t *testing.T) {
	characters, _ := newTestCharacterService(t, &fakeProvider{})

	characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Marcus"},
	})

	cases := []struct {
		name  string
		found bool
	}{
		{"Marcus", true},
		{"marcus", true},
		{"Old Marcus", true}, // 双向子串
		{"Mar", true},
		{"Elena", false},
		{"M", false}, // 过短不匹配
		{"", false},
	}
	for _, tc := range cases {
		got := characters.MatchByName("u1", tc.name)
		if (got != nil) != tc.found {
			t.Errorf("MatchByName(%q) 命中 = %v, 期望 %v", tc.name, got != nil, tc.found)
		}
	}

	// 不跨用户匹配
	if characters.MatchByName("u2", "Marcus") != nil {
		t.Error("匹配不应跨用户")
	}
}

func TestCompleteProfileFillsMissingFields(t *testing.T) {
	provider := &fakeProvider{
		complete: func(attempt int, ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return textResponse(`{
				"name": "Marcus",
				"role": "lighthouse keeper",
				"personality": "stoic but kind",
				"speaking_style": "terse",
				"visual_description": "weathered face",
				"gender": "male",
				"age": "62"
			}`), nil
		},
	}
	characters, _ := newTestCharacterService(t, provider)

	ch, _ := characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Marcus", Personality: "stoic"},
	})

	completed, err := characters.CompleteProfile(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("CompleteProfile失败: %v", err)
	}
	if completed.Role != "lighthouse keeper" || completed.Age != "62" {
		t.Errorf("档案未补全: %+v", completed)
	}
}

func TestCompleteProfileFallbackKeepsExisting(t *testing.T) {
	provider := &fakeProvider{
		complete: func(attempt int, ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return textResponse("no json here"), nil
		},
	}
	characters, _ := newTestCharacterService(t, provider)

	ch, _ := characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Marcus", Personality: "stoic"},
	})

	completed, err := characters.CompleteProfile(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("畸形响应不应使调用失败: %v", err)
	}
	if completed.Name != "Marcus" || completed.Personality != "stoic" {
		t.Errorf("回退后既有字段被改写: %+v", completed)
	}
}

func TestEvolveFromScriptAppendsMemories(t *testing.T) {
	provider := &fakeProvider{
		complete: func(attempt int, ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return textResponse(`{
				"summary": "Marcus learned to trust strangers.",
				"new_memories": ["I met Elena during the storm.", "The light held."]
			}`), nil
		},
	}
	characters, _ := newTestCharacterService(t, provider)

	ch, _ := characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Marcus"},
	})
	script := &models.Script{Title: "T", History: []models.Message{
		{CharacterID: models.NarratorID, Content: "It begins.", Type: models.MessageNarration},
	}}

	evolved, err := characters.EvolveFromScript(context.Background(), ch.ID, script)
	if err != nil {
		t.Fatalf("EvolveFromScript失败: %v", err)
	}
	if len(evolved.Memories) != 3 {
		t.Errorf("记忆条数 = %d, 期望 3", len(evolved.Memories))
	}
}

func TestCharactersPersistAcrossRestart(t *testing.T) {
	store := openServiceTestStore(t)
	generation := newTestGeneration(&fakeProvider{}, 0, time.Millisecond)

	characters, _ := NewCharacterService(context.Background(), generation, store)
	ch, err := characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Marcus"},
	})
	if err != nil {
		t.Fatalf("Create失败: %v", err)
	}

	reloaded, err := NewCharacterService(context.Background(), generation, store)
	if err != nil {
		t.Fatalf("重建角色服务失败: %v", err)
	}
	restored, err := reloaded.Get(ch.ID)
	if err != nil {
		t.Fatalf("重启后角色丢失: %v", err)
	}
	if restored.Name != "Marcus" {
		t.Errorf("Name = %q", restored.Name)
	}
}

func TestDeleteCharacterReconcilesStore(t *testing.T) {
	characters, store := newTestCharacterService(t, &fakeProvider{})

	ch, _ := characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Marcus"},
	})
	keep, _ := characters.Create(context.Background(), "u1", models.GlobalCharacter{
		Character: models.Character{Name: "Elena"},
	})

	if err := characters.Delete(context.Background(), ch.ID); err != nil {
		t.Fatalf("Delete失败: %v", err)
	}

	records, err := store.GetAllForOwner(context.Background(), storage.PartitionCharacters, "u1")
	if err != nil {
		t.Fatalf("读取characters分区失败: %v", err)
	}
	if len(records) != 1 || records[0].ID != keep.ID {
		t.Errorf("删除后分区内容不符: %d 条", len(records))
	}
}
