// internal/storage/store_test.go
package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开测试存储失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustRecord(t *testing.T, id, owner string, v interface{}) Record {
	t.Helper()
	rec, err := NewRecord(id, owner, v)
	if err != nil {
		t.Fatalf("编码记录失败: %v", err)
	}
	return rec
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type entity struct {
		Name    string    `json:"name"`
		Tags    []string  `json:"tags"`
		Created time.Time `json:"created"`
	}
	in := entity{Name: "marcus", Tags: []string{"a", "b", "c"}, Created: time.Now().UTC()}

	if err := store.Put(ctx, PartitionCharacters, mustRecord(t, "c1", "u1", in)); err != nil {
		t.Fatalf("Put失败: %v", err)
	}

	rec, err := store.Get(ctx, PartitionCharacters, "c1")
	if err != nil {
		t.Fatalf("Get失败: %v", err)
	}

	var out entity
	if err := rec.Decode(&out); err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if out.Name != in.Name {
		t.Errorf("Name = %q, 期望 %q", out.Name, in.Name)
	}
	if len(out.Tags) != 3 || out.Tags[0] != "a" || out.Tags[2] != "c" {
		t.Errorf("Tags顺序未保持: %v", out.Tags)
	}
}

func TestGetNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), PartitionScripts, "missing")
	if err == nil {
		t.Fatal("期望not_found错误，得到nil")
	}
	if apperrors.TypeOf(err) != apperrors.ErrorTypeNotFound {
		t.Errorf("错误类型 = %s, 期望 not_found", apperrors.TypeOf(err))
	}
}

func TestUnknownPartitionRejected(t *testing.T) {
	store := openTestStore(t)

	if err := store.Put(context.Background(), "bogus", Record{ID: "x"}); err == nil {
		t.Fatal("未知分区的Put应当失败")
	}
	if _, err := store.GetAll(context.Background(), "bogus"); err == nil {
		t.Fatal("未知分区的GetAll应当失败")
	}
}

func TestPutAllBatchUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type entity struct {
		Title string `json:"title"`
	}
	batch := []Record{
		mustRecord(t, "s1", "u1", entity{Title: "one"}),
		mustRecord(t, "s2", "u1", entity{Title: "two"}),
		mustRecord(t, "s3", "u2", entity{Title: "three"}),
	}
	if err := store.PutAll(ctx, PartitionScripts, batch); err != nil {
		t.Fatalf("PutAll失败: %v", err)
	}

	records, err := store.GetAll(ctx, PartitionScripts)
	if err != nil {
		t.Fatalf("GetAll失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("记录数 = %d, 期望 3", len(records))
	}

	// 重复导入是幂等的覆盖
	batch[0] = mustRecord(t, "s1", "u1", entity{Title: "one-rewritten"})
	if err := store.PutAll(ctx, PartitionScripts, batch); err != nil {
		t.Fatalf("重复PutAll失败: %v", err)
	}
	rec, err := store.Get(ctx, PartitionScripts, "s1")
	if err != nil {
		t.Fatalf("Get失败: %v", err)
	}
	var out entity
	if err := rec.Decode(&out); err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if out.Title != "one-rewritten" {
		t.Errorf("Title = %q, 期望覆盖后的值", out.Title)
	}

	if err := store.PutAll(ctx, "bogus", batch); err == nil {
		t.Error("未知分区的PutAll应当失败")
	}
	if err := store.PutAll(ctx, PartitionScripts, nil); err != nil {
		t.Errorf("空批次应为no-op: %v", err)
	}
}

func TestReconcileDeletesMissingAndUpserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type doc struct {
		V string `json:"v"`
	}

	// 初始：s1 s2 s3
	for _, id := range []string{"s1", "s2", "s3"} {
		if err := store.Put(ctx, PartitionScripts, mustRecord(t, id, "owner", doc{V: id})); err != nil {
			t.Fatalf("Put %s失败: %v", id, err)
		}
	}

	// 期望集合：s1（更新）和 s3，s2应被删除
	desired := []Record{
		mustRecord(t, "s1", "owner", doc{V: "s1-updated"}),
		mustRecord(t, "s3", "owner", doc{V: "s3"}),
	}
	if err := store.Reconcile(ctx, PartitionScripts, "owner", desired); err != nil {
		t.Fatalf("Reconcile失败: %v", err)
	}

	records, err := store.GetAllForOwner(ctx, PartitionScripts, "owner")
	if err != nil {
		t.Fatalf("GetAllForOwner失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("记录数 = %d, 期望 2", len(records))
	}

	if _, err := store.Get(ctx, PartitionScripts, "s2"); apperrors.TypeOf(err) != apperrors.ErrorTypeNotFound {
		t.Error("s2应已被删除")
	}

	rec, err := store.Get(ctx, PartitionScripts, "s1")
	if err != nil {
		t.Fatalf("读取s1失败: %v", err)
	}
	var out doc
	if err := rec.Decode(&out); err != nil {
		t.Fatalf("解码s1失败: %v", err)
	}
	if out.V != "s1-updated" {
		t.Errorf("s1.V = %q, 期望更新后的值", out.V)
	}
}

func TestReconcileScopedToOwner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type doc struct {
		V string `json:"v"`
	}

	if err := store.Put(ctx, PartitionScripts, mustRecord(t, "a1", "alice", doc{V: "a"})); err != nil {
		t.Fatalf("Put失败: %v", err)
	}
	if err := store.Put(ctx, PartitionScripts, mustRecord(t, "b1", "bob", doc{V: "b"})); err != nil {
		t.Fatalf("Put失败: %v", err)
	}

	// alice的期望集合为空：只删alice的记录
	if err := store.Reconcile(ctx, PartitionScripts, "alice", nil); err != nil {
		t.Fatalf("Reconcile失败: %v", err)
	}

	if _, err := store.Get(ctx, PartitionScripts, "a1"); apperrors.TypeOf(err) != apperrors.ErrorTypeNotFound {
		t.Error("alice的记录应已被删除")
	}
	if _, err := store.Get(ctx, PartitionScripts, "b1"); err != nil {
		t.Errorf("bob的记录不应受影响: %v", err)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type doc struct {
		V string `json:"v"`
	}
	desired := []Record{
		mustRecord(t, "s1", "owner", doc{V: "one"}),
		mustRecord(t, "s2", "owner", doc{V: "two"}),
	}

	for i := 0; i < 3; i++ {
		if err := store.Reconcile(ctx, PartitionScripts, "owner", desired); err != nil {
			t.Fatalf("第%d次Reconcile失败: %v", i+1, err)
		}
	}

	records, err := store.GetAllForOwner(ctx, PartitionScripts, "owner")
	if err != nil {
		t.Fatalf("GetAllForOwner失败: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("重复收敛后记录数 = %d, 期望 2", len(records))
	}
}
