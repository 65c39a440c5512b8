// internal/services/director_service_test.go
package services

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
)

// fakeBeats 可控的节拍生成器
type fakeBeats struct {
	mu    sync.Mutex
	calls int
	goals []string
	block chan struct{} // 非nil时阻塞直到关闭
	err   error
}

func (f *fakeBeats) GenerateNextBeat(ctx context.Context, script *models.Script, goal string) (*BeatDraft, error) {
	f.mu.Lock()
	f.calls++
	f.goals = append(f.goals, goal)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &BeatDraft{CharacterName: models.NarratorID, Type: "narration", Content: "beat"}, nil
}

func (f *fakeBeats) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeScriptStore 内存中的剧本访问桩
type fakeScriptStore struct {
	mu       sync.Mutex
	script   *models.Script
	appended []*BeatDraft
}

func (f *fakeScriptStore) Get(scriptID string) (*models.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.script == nil || f.script.ID != scriptID {
		return nil, apperrors.NewNotFoundError("剧本不存在: "+scriptID, nil)
	}
	return f.script, nil
}

func (f *fakeScriptStore) AppendBeat(ctx context.Context, scriptID string, beat *BeatDraft) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, beat)
	return &models.Message{ID: "m1", CharacterID: models.NarratorID, Content: beat.Content}, nil
}

func performingScript() *models.Script {
	return &models.Script{
		ID:         "s1",
		OwnerID:    "u1",
		PlotPoints: []string{"point zero", "point one"},
		Status:     models.ScriptPerforming,
	}
}

// newTestDirector 节拍间隔设为很长，tick由测试手动驱动
func newTestDirector(beats beatSource, scripts performanceScripts) *DirectorService {
	return NewDirectorService(beats, scripts, time.Hour)
}

func (d *DirectorService) testPerformance(scriptID string) *performance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.performances[scriptID]
}

func TestTickAppendsBeatAndEmitsEvent(t *testing.T) {
	beats := &fakeBeats{}
	store := &fakeScriptStore{script: performingScript()}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	d.Play("s1")
	p := d.testPerformance("s1")

	d.tick(p)

	if beats.callCount() != 1 {
		t.Fatalf("生成调用次数 = %d, 期望 1", beats.callCount())
	}
	if len(store.appended) != 1 {
		t.Fatalf("写入节拍数 = %d, 期望 1", len(store.appended))
	}

	select {
	case ev := <-d.Events():
		if ev.Type != EventBeat || ev.ScriptID != "s1" || ev.Message == nil {
			t.Errorf("事件不符: %+v", ev)
		}
	default:
		t.Fatal("应发出beat事件")
	}
}

func TestTickSkipsWhileTurnInFlight(t *testing.T) {
	block := make(chan struct{})
	beats := &fakeBeats{block: block}
	store := &fakeScriptStore{script: performingScript()}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	d.Play("s1")
	p := d.testPerformance("s1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.tick(p) // 第一轮，阻塞在生成上
	}()

	// 等第一轮进入生成
	for i := 0; i < 100 && beats.callCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if beats.callCount() != 1 {
		t.Fatal("第一轮未进入生成")
	}

	// 在途期间的tick应直接跳过，不排队
	for i := 0; i < 5; i++ {
		d.tick(p)
	}
	if got := beats.callCount(); got != 1 {
		t.Errorf("在途期间生成被调用 %d 次, 期望 1", got)
	}

	close(block)
	wg.Wait()

	// 跳过的tick不补偿执行
	if len(store.appended) != 1 {
		t.Errorf("写入节拍数 = %d, 跳过的tick不应补偿", len(store.appended))
	}

	// 闸门释放后恢复推进
	d.tick(p)
	if got := beats.callCount(); got != 2 {
		t.Errorf("释放后生成调用次数 = %d, 期望 2", got)
	}
}

func TestTickIgnoredWhenNotPlaying(t *testing.T) {
	beats := &fakeBeats{}
	store := &fakeScriptStore{script: performingScript()}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	d.Play("s1")
	p := d.testPerformance("s1")
	d.Stop("s1")

	d.tick(p)
	if beats.callCount() != 0 {
		t.Error("停演期间不应生成节拍")
	}
}

func TestDirectorCommandConsumedOnce(t *testing.T) {
	beats := &fakeBeats{}
	store := &fakeScriptStore{script: performingScript()}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	d.Play("s1")
	p := d.testPerformance("s1")

	// 信箱只有一格：后到的指令覆盖先到的
	d.PostCommand("s1", "first directive")
	d.PostCommand("s1", "make it rain")

	d.tick(p)
	d.tick(p)

	beats.mu.Lock()
	goals := append([]string(nil), beats.goals...)
	beats.mu.Unlock()

	if len(goals) != 2 {
		t.Fatalf("生成调用次数 = %d, 期望 2", len(goals))
	}
	if goals[0] != "make it rain" {
		t.Errorf("第一轮目标 = %q, 期望覆盖后的指令", goals[0])
	}
	// 指令取走即清空，回到情节目标
	if goals[1] != "point zero" {
		t.Errorf("第二轮目标 = %q, 期望当前情节点", goals[1])
	}
}

func TestGenerationFailureHaltsPlay(t *testing.T) {
	beats := &fakeBeats{err: apperrors.NewTimeoutError("生成超时", nil)}
	store := &fakeScriptStore{script: performingScript()}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	d.Play("s1")
	p := d.testPerformance("s1")

	d.tick(p)

	if p.isPlaying.Load() {
		t.Error("生成失败后应停演")
	}
	select {
	case ev := <-d.Events():
		if ev.Type != EventHalted || ev.Error == "" {
			t.Errorf("事件不符: %+v", ev)
		}
	default:
		t.Fatal("应发出halted事件")
	}

	// 停演后的tick不再生成
	d.tick(p)
	if beats.callCount() != 1 {
		t.Error("停演后不应继续生成")
	}
}

func TestCompleteScriptStopsAndEmits(t *testing.T) {
	script := performingScript()
	script.Status = models.ScriptComplete
	beats := &fakeBeats{}
	store := &fakeScriptStore{script: script}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	d.Play("s1")
	p := d.testPerformance("s1")

	d.tick(p)

	if p.isPlaying.Load() {
		t.Error("完结剧本应停演")
	}
	if beats.callCount() != 0 {
		t.Error("完结剧本不应生成节拍")
	}
	select {
	case ev := <-d.Events():
		if ev.Type != EventCompleted {
			t.Errorf("事件类型 = %s, 期望 completed", ev.Type)
		}
	default:
		t.Fatal("应发出completed事件")
	}
}

func TestHaltedEventSurvivesFullQueue(t *testing.T) {
	beats := &fakeBeats{}
	store := &fakeScriptStore{script: performingScript()}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	// 无人消费时塞满事件队列
	for i := 0; i < cap(d.events)+8; i++ {
		d.emit(StoryEvent{Type: EventBeat, ScriptID: "s1"})
	}

	d.emit(StoryEvent{Type: EventHalted, ScriptID: "s1", Error: "生成超时"})

	// 节拍可丢，终态事件必须还在队列里
	found := false
	for {
		select {
		case ev := <-d.Events():
			if ev.Type == EventHalted {
				found = true
			}
			continue
		default:
		}
		break
	}
	if !found {
		t.Error("队列满时halted事件被丢弃")
	}
}

func TestPlayResumeAfterHalt(t *testing.T) {
	beats := &fakeBeats{err: apperrors.NewTimeoutError("生成超时", nil)}
	store := &fakeScriptStore{script: performingScript()}
	d := newTestDirector(beats, store)
	defer d.Shutdown()

	d.Play("s1")
	p := d.testPerformance("s1")
	d.tick(p)
	<-d.Events()

	// 用户恢复后继续推进
	beats.err = nil
	d.Play("s1")
	d.tick(p)

	if len(store.appended) != 1 {
		t.Errorf("恢复后写入节拍数 = %d, 期望 1", len(store.appended))
	}
}
