// internal/storage/legacy_test.go
package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMigrateLegacyImportsAndRemoves(t *testing.T) {
	dataDir := t.TempDir()
	store, err := Open(filepath.Join(dataDir, "test.db"))
	if err != nil {
		t.Fatalf("打开测试存储失败: %v", err)
	}
	defer store.Close()

	legacyDir := filepath.Join(dataDir, "legacy")
	if err := os.MkdirAll(legacyDir, 0755); err != nil {
		t.Fatalf("创建legacy目录失败: %v", err)
	}
	legacyFile := filepath.Join(legacyDir, "scripts.json")
	payload := `[{"id":"s1","owner_id":"u1","title":"one"},{"id":"s2","owner_id":"u1","title":"two"}]`
	if err := os.WriteFile(legacyFile, []byte(payload), 0644); err != nil {
		t.Fatalf("写入旧存储文件失败: %v", err)
	}

	if err := MigrateLegacy(context.Background(), store, dataDir); err != nil {
		t.Fatalf("MigrateLegacy失败: %v", err)
	}

	records, err := store.GetAllForOwner(context.Background(), PartitionScripts, "u1")
	if err != nil {
		t.Fatalf("读取迁移结果失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("迁移记录数 = %d, 期望 2", len(records))
	}

	if _, err := os.Stat(legacyFile); !os.IsNotExist(err) {
		t.Error("迁移后旧存储文件应被删除")
	}
}

func TestMigrateLegacySkipsCorruptedFile(t *testing.T) {
	dataDir := t.TempDir()
	store, err := Open(filepath.Join(dataDir, "test.db"))
	if err != nil {
		t.Fatalf("打开测试存储失败: %v", err)
	}
	defer store.Close()

	legacyDir := filepath.Join(dataDir, "legacy")
	if err := os.MkdirAll(legacyDir, 0755); err != nil {
		t.Fatalf("创建legacy目录失败: %v", err)
	}
	legacyFile := filepath.Join(legacyDir, "users.json")
	if err := os.WriteFile(legacyFile, []byte("not json at all"), 0644); err != nil {
		t.Fatalf("写入旧存储文件失败: %v", err)
	}

	// 损坏文件不阻塞启动
	if err := MigrateLegacy(context.Background(), store, dataDir); err != nil {
		t.Fatalf("损坏的旧文件不应使迁移失败: %v", err)
	}

	// 现场保留，便于人工排查
	if _, err := os.Stat(legacyFile); err != nil {
		t.Error("损坏的旧存储文件应被保留")
	}
}

func TestMigrateLegacyNoDirIsNoop(t *testing.T) {
	dataDir := t.TempDir()
	store, err := Open(filepath.Join(dataDir, "test.db"))
	if err != nil {
		t.Fatalf("打开测试存储失败: %v", err)
	}
	defer store.Close()

	if err := MigrateLegacy(context.Background(), store, dataDir); err != nil {
		t.Fatalf("无legacy目录时应直接返回: %v", err)
	}
}
