// internal/models/script.go
package models

import "time"

// ScriptStatus 表示剧本生命周期状态
type ScriptStatus string

const (
	// ScriptBlueprinted 蓝图已生成，大纲可编辑，尚未登记到用户集合
	ScriptBlueprinted ScriptStatus = "blueprinted"
	// ScriptPerforming 正在演出，调度器按节拍推进
	ScriptPerforming ScriptStatus = "performing"
	// ScriptPaused 暂停，不产生新节拍
	ScriptPaused ScriptStatus = "paused"
	// ScriptComplete 情节索引越过最后一个情节点
	ScriptComplete ScriptStatus = "complete"
)

// Script 表示一部由AI驱动演出的剧本
//
// 不变量：CurrentPlotIndex ∈ [0, len(PlotPoints)]，等于 len(PlotPoints) 表示故事完结；
// History 按 Timestamp 和追加顺序严格有序。
type Script struct {
	ID               string       `json:"id"`
	OwnerID          string       `json:"owner_id"`
	Title            string       `json:"title"`
	Premise          string       `json:"premise"`
	Setting          string       `json:"setting"`
	PlotPoints       []string     `json:"plot_points"`
	PossibleEndings  []string     `json:"possible_endings,omitempty"`
	Characters       []Character  `json:"characters"`
	History          []Message    `json:"history"`
	CurrentPlotIndex int          `json:"current_plot_index"`
	Status           ScriptStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	LastUpdated      time.Time    `json:"last_updated"`
}

// EndingGoal 是情节点耗尽后调度器使用的合成目标
const EndingGoal = "Bring the story to a satisfying ending."

// CurrentGoal 返回当前演出目标：当前情节点，或越界时的合成结局目标
func (s *Script) CurrentGoal() string {
	if s.CurrentPlotIndex >= 0 && s.CurrentPlotIndex < len(s.PlotPoints) {
		return s.PlotPoints[s.CurrentPlotIndex]
	}
	return EndingGoal
}

// IsComplete 判断情节索引是否已越过最后一个情节点
func (s *Script) IsComplete() bool {
	return s.CurrentPlotIndex >= len(s.PlotPoints)
}

// CharacterByID 按ID查找剧本内嵌角色
func (s *Script) CharacterByID(id string) *Character {
	for i := range s.Characters {
		if s.Characters[i].ID == id {
			return &s.Characters[i]
		}
	}
	return nil
}

// Clone 返回深拷贝，与原对象不共享任何切片底层数组
// 调度器和API在锁外读取的都是这样的快照
func (s *Script) Clone() *Script {
	c := *s
	c.PlotPoints = append([]string(nil), s.PlotPoints...)
	c.PossibleEndings = append([]string(nil), s.PossibleEndings...)
	c.Characters = append([]Character(nil), s.Characters...)
	c.History = append([]Message(nil), s.History...)
	return &c
}
