// internal/models/script_test.go
package models

import "testing"

func TestCurrentGoal(t *testing.T) {
	s := &Script{PlotPoints: []string{"p0", "p1"}}

	if got := s.CurrentGoal(); got != "p0" {
		t.Errorf("CurrentGoal = %q, 期望 p0", got)
	}

	s.CurrentPlotIndex = 1
	if got := s.CurrentGoal(); got != "p1" {
		t.Errorf("CurrentGoal = %q, 期望 p1", got)
	}

	// 越过最后情节点后使用合成结局目标
	s.CurrentPlotIndex = 2
	if got := s.CurrentGoal(); got != EndingGoal {
		t.Errorf("CurrentGoal = %q, 期望结局目标", got)
	}
	if !s.IsComplete() {
		t.Error("索引越界后IsComplete应为真")
	}
}

func TestValidMessageType(t *testing.T) {
	cases := map[string]MessageType{
		"dialogue":  MessageDialogue,
		"action":    MessageAction,
		"narration": MessageNarration,
		"song":      MessageNarration, // 非法类型回落为旁白
		"":          MessageNarration,
	}
	for in, want := range cases {
		if got := ValidMessageType(in); got != want {
			t.Errorf("ValidMessageType(%q) = %s, 期望 %s", in, got, want)
		}
	}
}

func TestSnapshotIsValueCopy(t *testing.T) {
	global := &GlobalCharacter{
		Character: Character{ID: "c1", Name: "Marcus"},
		OwnerID:   "u1",
	}
	snap := global.Snapshot()

	global.Name = "Renamed"
	if snap.Name != "Marcus" {
		t.Error("快照应是值拷贝，不随全局角色改动")
	}
}
