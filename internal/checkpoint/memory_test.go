package checkpoint

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreSaveAndLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, "sess-1", "logs", "42"); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}

	cp, err := store.Load(ctx, "logs")
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cp.Offset != "42" || cp.SessionID != "sess-1" {
		t.Fatalf("断点内容不符: %+v", cp)
	}

	// 同源重复保存应覆盖旧值。
	if err := store.Save(ctx, "sess-2", "logs", "99"); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}
	cp, err = store.Load(ctx, "logs")
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cp.Offset != "99" || cp.SessionID != "sess-2" {
		t.Fatalf("覆盖后断点内容不符: %+v", cp)
	}
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("期望 ErrCheckpointNotFound, 实际: %v", err)
	}
}

func TestMemoryStoreSaveRejectsEmptySource(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Save(context.Background(), "sess", "", "1"); err == nil {
		t.Fatal("空源名称应当报错")
	}
}

func TestMemoryStoreListLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, "sess", name, "0"); err != nil {
			t.Fatalf("Save 返回错误: %v", err)
		}
	}

	results, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List 返回错误: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("期望 2 条记录, 实际 %d", len(results))
	}
}
