// internal/services/director_service.go
package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
)

// 事件类型
const (
	EventBeat      = "beat"
	EventCompleted = "completed"
	EventHalted    = "halted"
)

// StoryEvent 演出过程中推送给前端的事件
type StoryEvent struct {
	Type     string          `json:"type"`
	ScriptID string          `json:"script_id"`
	Message  *models.Message `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// beatSource 生成下一个节拍的依赖切口
type beatSource interface {
	GenerateNextBeat(ctx context.Context, script *models.Script, goal string) (*BeatDraft, error)
}

// performanceScripts 调度器需要的剧本操作切口
type performanceScripts interface {
	Get(scriptID string) (*models.Script, error)
	AppendBeat(ctx context.Context, scriptID string, beat *BeatDraft) (*models.Message, error)
}

// performance 一部剧本的演出状态
//
// turnProcessing 是单飞闸门：一个节拍还在生成时，后续tick直接跳过
// 而不是排队，避免慢调用后节拍连发。
type performance struct {
	scriptID       string
	pacing         time.Duration
	isPlaying      atomic.Bool
	turnProcessing atomic.Bool

	// 单槽导演指令信箱：新指令覆盖旧指令，tick取走后清空
	commandMu sync.Mutex
	command   string

	stop     chan struct{}
	stopOnce sync.Once
}

func (p *performance) postCommand(directive string) {
	p.commandMu.Lock()
	p.command = directive
	p.commandMu.Unlock()
}

func (p *performance) takeCommand() string {
	p.commandMu.Lock()
	defer p.commandMu.Unlock()
	cmd := p.command
	p.command = ""
	return cmd
}

// DirectorService 按固定节拍推进所有正在演出的剧本
type DirectorService struct {
	mu           sync.Mutex
	performances map[string]*performance

	generation beatSource
	scripts    performanceScripts
	pacing     time.Duration
	metrics    *utils.EngineMetrics

	events chan StoryEvent
}

// NewDirectorService 创建调度器
func NewDirectorService(generation beatSource, scripts performanceScripts, pacing time.Duration) *DirectorService {
	return &DirectorService{
		performances: make(map[string]*performance),
		generation:   generation,
		scripts:      scripts,
		pacing:       pacing,
		metrics:      utils.NewEngineMetrics(),
		events:       make(chan StoryEvent, 64),
	}
}

// Events 返回演出事件流
func (d *DirectorService) Events() <-chan StoryEvent {
	return d.events
}

// Play 开始（或恢复）某部剧本的节拍推进
// 剧本本身的状态转换由调用方先行完成
func (d *DirectorService) Play(scriptID string) {
	d.PlayWithPacing(scriptID, 0)
}

// PlayWithPacing 以指定节拍间隔开始推进，0表示使用默认间隔
// 间隔在演出创建时定格，之后的偏好变更对已有演出不生效
func (d *DirectorService) PlayWithPacing(scriptID string, pacing time.Duration) {
	if pacing <= 0 {
		pacing = d.pacing
	}

	d.mu.Lock()
	p, ok := d.performances[scriptID]
	if !ok {
		p = &performance{scriptID: scriptID, pacing: pacing, stop: make(chan struct{})}
		d.performances[scriptID] = p
		go d.loop(p)
	}
	d.mu.Unlock()

	p.isPlaying.Store(true)
}

// Stop 停止某部剧本的节拍推进（演出状态保持不变）
func (d *DirectorService) Stop(scriptID string) {
	d.mu.Lock()
	p, ok := d.performances[scriptID]
	d.mu.Unlock()
	if ok {
		p.isPlaying.Store(false)
	}
}

// PostCommand 投递导演指令，下一个节拍以该指令为目标
// 信箱只有一格：两次tick之间的多条指令只保留最后一条
func (d *DirectorService) PostCommand(scriptID, directive string) {
	d.mu.Lock()
	p, ok := d.performances[scriptID]
	d.mu.Unlock()
	if ok {
		p.postCommand(directive)
	}
}

// Remove 彻底移除某部剧本的演出（删除剧本时调用）
func (d *DirectorService) Remove(scriptID string) {
	d.mu.Lock()
	p, ok := d.performances[scriptID]
	if ok {
		delete(d.performances, scriptID)
	}
	d.mu.Unlock()
	if ok {
		p.isPlaying.Store(false)
		p.stopOnce.Do(func() { close(p.stop) })
	}
}

// Shutdown 停止所有演出循环
func (d *DirectorService) Shutdown() {
	d.mu.Lock()
	for id, p := range d.performances {
		p.isPlaying.Store(false)
		p.stopOnce.Do(func() { close(p.stop) })
		delete(d.performances, id)
	}
	d.mu.Unlock()
}

func (d *DirectorService) loop(p *performance) {
	ticker := time.NewTicker(p.pacing)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			// tick不阻塞节拍器，单飞闸门保证同时只有一轮在跑
			go d.tick(p)
		}
	}
}

// tick 推进一个节拍
func (d *DirectorService) tick(p *performance) {
	if !p.isPlaying.Load() {
		return
	}
	if !p.turnProcessing.CompareAndSwap(false, true) {
		d.metrics.RecordSkippedTick()
		return
	}
	defer p.turnProcessing.Store(false)

	started := time.Now()
	logger := utils.GetLogger()

	script, err := d.scripts.Get(p.scriptID)
	if err != nil {
		p.isPlaying.Store(false)
		d.emit(StoryEvent{Type: EventHalted, ScriptID: p.scriptID, Error: err.Error()})
		return
	}

	if script.Status == models.ScriptComplete {
		p.isPlaying.Store(false)
		d.emit(StoryEvent{Type: EventCompleted, ScriptID: p.scriptID})
		return
	}
	if script.Status != models.ScriptPerforming {
		p.isPlaying.Store(false)
		return
	}

	// 导演指令优先于当前情节目标
	goal := p.takeCommand()
	if goal == "" {
		goal = script.CurrentGoal()
	}

	ctx := context.Background()
	beat, err := d.generation.GenerateNextBeat(ctx, script, goal)
	if err != nil {
		// 节拍生成失败即停演，由用户决定是否恢复
		p.isPlaying.Store(false)
		d.metrics.RecordTurn(time.Since(started), err)
		logger.Error("节拍生成失败，演出停止", map[string]interface{}{
			"script": p.scriptID, "err": err.Error(),
		})
		d.emit(StoryEvent{Type: EventHalted, ScriptID: p.scriptID, Error: err.Error()})
		return
	}

	msg, err := d.scripts.AppendBeat(ctx, p.scriptID, beat)
	if err != nil {
		p.isPlaying.Store(false)
		d.metrics.RecordTurn(time.Since(started), err)
		logger.Error("节拍写入失败，演出停止", map[string]interface{}{
			"script": p.scriptID, "err": err.Error(),
		})
		d.emit(StoryEvent{Type: EventHalted, ScriptID: p.scriptID, Error: err.Error()})
		return
	}

	d.metrics.RecordTurn(time.Since(started), nil)
	d.emit(StoryEvent{Type: EventBeat, ScriptID: p.scriptID, Message: msg})
}

// emit 推送事件，永不阻塞tick
//
// 队列满时节拍事件直接丢弃；halted/completed是终态事件必须可见，
// 挤掉最旧的事件腾出位置后重试。
func (d *DirectorService) emit(ev StoryEvent) {
	for {
		select {
		case d.events <- ev:
			return
		default:
		}

		if ev.Type == EventBeat {
			utils.GetLogger().Warn("事件队列已满，丢弃节拍事件", map[string]interface{}{
				"script": ev.ScriptID,
			})
			return
		}

		select {
		case <-d.events:
		default:
		}
	}
}
