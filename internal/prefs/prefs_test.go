package prefs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	m, err := Load()
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}

	if hwm := m.Float("stream.default_high_water_mark", -1); hwm != 1 {
		t.Fatalf("默认高水位应为 1, 实际 %v", hwm)
	}
	if size := m.Int("api.read_buffer_bytes", -1); size != 32768 {
		t.Fatalf("默认缓冲大小应为 32768, 实际 %d", size)
	}
	if _, ok := m.Get("no.such.pref"); ok {
		t.Fatal("不存在的键不应命中")
	}
}

func TestSetRejectsUnknownKey(t *testing.T) {
	m, err := Load()
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if err := m.Set("no.such.pref", Int(1)); !errors.Is(err, ErrUnknownPref) {
		t.Fatalf("期望 ErrUnknownPref, 实际: %v", err)
	}
}

func TestSetRejectsTypeMismatch(t *testing.T) {
	m, err := Load()
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if err := m.Set("api.max_sessions", Str("many")); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("期望 ErrTypeMismatch, 实际: %v", err)
	}
}

func TestOverlayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user-prefs.json")
	content := `{"relay.checkpoint_every_chunks": 8, "api.max_sessions": 16}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入用户偏好文件失败: %v", err)
	}

	m, err := Load()
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if err := m.Overlay(path); err != nil {
		t.Fatalf("Overlay 返回错误: %v", err)
	}

	if v := m.Int("relay.checkpoint_every_chunks", -1); v != 8 {
		t.Fatalf("覆盖后的值应为 8, 实际 %d", v)
	}
	if v := m.Int("api.max_sessions", -1); v != 16 {
		t.Fatalf("覆盖后的值应为 16, 实际 %d", v)
	}
	// 未覆盖的键保持默认。
	if v := m.Int("api.read_buffer_bytes", -1); v != 32768 {
		t.Fatalf("未覆盖的键不应变化, 实际 %d", v)
	}
}

func TestOverlayRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user-prefs.json")
	if err := os.WriteFile(path, []byte(`{"bogus.key": true}`), 0o644); err != nil {
		t.Fatalf("写入用户偏好文件失败: %v", err)
	}

	m, err := Load()
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if err := m.Overlay(path); !errors.Is(err, ErrUnknownPref) {
		t.Fatalf("期望 ErrUnknownPref, 实际: %v", err)
	}
}

func TestFromAnyIntegerDetection(t *testing.T) {
	v, err := FromAny(float64(3))
	if err != nil {
		t.Fatalf("FromAny 返回错误: %v", err)
	}
	if v.Kind() != KindInt {
		t.Fatalf("整数应识别为 KindInt, 实际 %s", v.Kind())
	}

	v, err = FromAny(3.5)
	if err != nil {
		t.Fatalf("FromAny 返回错误: %v", err)
	}
	if v.Kind() != KindFloat {
		t.Fatalf("小数应识别为 KindFloat, 实际 %s", v.Kind())
	}
}

func TestArrayHomogeneity(t *testing.T) {
	if _, err := Array([]Value{Int(1), Str("x")}); err == nil {
		t.Fatal("异型数组应当报错")
	}
	if _, err := FromAny([]any{"a", "b"}); err != nil {
		t.Fatalf("同型数组不应报错: %v", err)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m, err := Load()
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	snap := m.Snapshot()
	snap["api.max_sessions"] = Int(1)
	if v := m.Int("api.max_sessions", -1); v != 256 {
		t.Fatalf("修改快照不应影响原集合, 实际 %d", v)
	}
}
