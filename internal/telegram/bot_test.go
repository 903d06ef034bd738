package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/emribilemir/atlas-ois-tracker/internal/config"
	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
	"github.com/emribilemir/atlas-ois-tracker/internal/portal"
)

const testChat int64 = 4242

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	updates  chan tgbotapi.Update
	stopped  bool
	sendErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

// waitFor polls until a sent message contains substr.
func (f *fakeAPI) waitFor(t *testing.T, substr string) tgbotapi.MessageConfig {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.messages() {
			if strings.Contains(m.Text, substr) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message containing %q; sent: %v", substr, f.messages())
	return tgbotapi.MessageConfig{}
}

type fakeController struct {
	mu       sync.Mutex
	state    monitor.State
	checkRes monitor.CheckResult
	checkErr error
	checks   int
	origin   string
	store    *grades.Store
}

func newFakeController() *fakeController {
	return &fakeController{state: monitor.Running, store: grades.NewStore()}
}

func (f *fakeController) Check(ctx context.Context) (monitor.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	f.origin = monitor.OriginFrom(ctx)
	return f.checkRes, f.checkErr
}

func (f *fakeController) Pause()  { f.mu.Lock(); f.state = monitor.Paused; f.mu.Unlock() }
func (f *fakeController) Resume() { f.mu.Lock(); f.state = monitor.Running; f.mu.Unlock() }

func (f *fakeController) State() monitor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Status() monitor.Status {
	return monitor.Status{
		State:           f.State(),
		IntervalSeconds: 300,
		Checks:          7,
		LastError:       &monitor.ErrorInfo{Kind: portal.KindCaptchaExhausted, At: time.Now()},
	}
}

func (f *fakeController) Snapshot() (grades.Snapshot, bool) { return f.store.Snapshot() }

type staticLogs []string

func (s staticLogs) Lines(int) []string { return s }

func commandUpdate(chatID int64, cmd string) tgbotapi.Update {
	text := "/" + cmd
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func callbackUpdate(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    data,
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func newTestBot() (*Bot, *fakeAPI, *fakeController) {
	api := newFakeAPI()
	ctl := newFakeController()
	return newBot(api, testChat, ctl, staticLogs{"[monitor] a", "[portal] <b>"}, 20), api, ctl
}

func TestStartStopCommands(t *testing.T) {
	b, api, ctl := newTestBot()

	b.handleUpdate(context.Background(), commandUpdate(testChat, "stop"))
	if ctl.State() != monitor.Paused {
		t.Fatal("/stop should pause")
	}
	b.handleUpdate(context.Background(), commandUpdate(testChat, "start"))
	if ctl.State() != monitor.Running {
		t.Fatal("/start should resume")
	}

	msgs := api.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if msgs[1].ChatID != testChat || msgs[1].ParseMode != tgbotapi.ModeHTML {
		t.Errorf("message = %+v", msgs[1])
	}
	if msgs[1].ReplyMarkup == nil {
		t.Error("start reply should carry the keyboard")
	}
}

func TestIgnoresOtherChats(t *testing.T) {
	b, api, ctl := newTestBot()

	b.handleUpdate(context.Background(), commandUpdate(999, "stop"))
	b.handleUpdate(context.Background(), callbackUpdate(999, "stop"))
	if ctl.State() != monitor.Running {
		t.Error("commands from other chats must be ignored")
	}
	if len(api.messages()) != 0 {
		t.Error("nothing should be sent to other chats")
	}
}

func TestNonCommandMessagesIgnored(t *testing.T) {
	b, api, _ := newTestBot()
	b.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "hello", Chat: &tgbotapi.Chat{ID: testChat},
	}})
	if len(api.messages()) != 0 {
		t.Error("plain text should not get a reply")
	}
}

func TestCallbackDispatch(t *testing.T) {
	b, api, _ := newTestBot()

	b.handleUpdate(context.Background(), callbackUpdate(testChat, "status"))
	api.waitFor(t, "Monitoring running")
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.requests) != 1 {
		t.Fatalf("requests = %d, want the callback answer", len(api.requests))
	}
	if _, ok := api.requests[0].(tgbotapi.CallbackConfig); !ok {
		t.Errorf("request = %T, want CallbackConfig", api.requests[0])
	}
}

func TestStatusCommand(t *testing.T) {
	b, api, _ := newTestBot()
	b.handleUpdate(context.Background(), commandUpdate(testChat, "status"))
	m := api.waitFor(t, "Checks: 7")
	if !strings.Contains(m.Text, "captcha_exhausted") || !strings.Contains(m.Text, "5m0s") {
		t.Errorf("status text = %q", m.Text)
	}
}

func TestCheckCommandReportsResult(t *testing.T) {
	b, api, ctl := newTestBot()
	ctl.checkRes = monitor.CheckResult{Records: 5, Changes: []grades.Change{{
		Key:        grades.Key{CourseID: "1410211007", Component: "Final"},
		CourseName: "Veri Yapıları",
		Kind:       grades.Published,
		Previous:   grades.Null(),
		Current:    grades.Number(88),
		Weight:     60,
	}}}

	b.handleUpdate(context.Background(), commandUpdate(testChat, "check"))
	api.waitFor(t, "Checking grades")
	m := api.waitFor(t, "1 change(s)")
	if !strings.Contains(m.Text, "Veri Yapıları (1410211007)") || !strings.Contains(m.Text, "Final: <b>88</b> (%60)") {
		t.Errorf("check text = %q", m.Text)
	}
	ctl.mu.Lock()
	origin := ctl.origin
	ctl.mu.Unlock()
	if origin != Origin {
		t.Errorf("check origin = %q, want %q", origin, Origin)
	}
}

func TestCheckCommandWhilePaused(t *testing.T) {
	b, api, ctl := newTestBot()
	ctl.Pause()
	b.handleUpdate(context.Background(), commandUpdate(testChat, "check"))
	api.waitFor(t, "paused")
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.checks != 0 {
		t.Error("paused bot should not call Check")
	}
}

func TestCheckCommandFailure(t *testing.T) {
	b, api, ctl := newTestBot()
	ctl.checkErr = errors.New("portal: cannot parse grades page: <table> missing")
	b.handleUpdate(context.Background(), commandUpdate(testChat, "check"))
	m := api.waitFor(t, "Check failed")
	if !strings.Contains(m.Text, "&lt;table&gt;") {
		t.Errorf("error text should be escaped: %q", m.Text)
	}
}

func TestGradesAndLogsCommands(t *testing.T) {
	b, api, ctl := newTestBot()

	b.handleUpdate(context.Background(), commandUpdate(testChat, "grades"))
	api.waitFor(t, "No grades recorded yet")

	ctl.store.Commit([]grades.Record{
		{CourseID: "1410211007", CourseName: "Veri Yapıları", Component: "Ara Sınav", Value: grades.Number(86), Weight: 40},
		{CourseID: "1410211007", CourseName: "Veri Yapıları", Component: grades.ComponentLetterGrade, Value: grades.Text("BA")},
		{CourseID: "1410211008", CourseName: "Ayrık Matematik", Component: "Final", Value: grades.Null()},
	}, time.Now())
	b.handleUpdate(context.Background(), commandUpdate(testChat, "grades"))
	m := api.waitFor(t, "Ayrık Matematik")
	for _, want := range []string{"Ara Sınav: 86 (%40)", "Letter grade: BA", "Final: —"} {
		if !strings.Contains(m.Text, want) {
			t.Errorf("grades text missing %q: %q", want, m.Text)
		}
	}

	b.handleUpdate(context.Background(), commandUpdate(testChat, "logs"))
	m = api.waitFor(t, "<pre>")
	if !strings.Contains(m.Text, "[portal] &lt;b&gt;") {
		t.Errorf("logs should be escaped: %q", m.Text)
	}
}

func TestUnknownCommand(t *testing.T) {
	b, api, _ := newTestBot()
	b.handleUpdate(context.Background(), commandUpdate(testChat, "reboot"))
	api.waitFor(t, "Unknown command /reboot")
}

func TestSinkMessages(t *testing.T) {
	b, api, _ := newTestBot()

	err := b.NotifyChanges(context.Background(), monitor.ChangeEvent{Changes: []grades.Change{
		{Key: grades.Key{CourseID: "1", Component: "Vize"}, CourseName: "Fizik", Kind: grades.Changed, Previous: grades.Number(50), Current: grades.Number(55)},
		{Key: grades.Key{CourseID: "2", Component: "Ödev"}, CourseName: "Kimya", Kind: grades.Added, Current: grades.Text("Girmedi")},
		{Key: grades.Key{CourseID: "1", Component: "Final"}, CourseName: "Fizik", Kind: grades.Published, Current: grades.Number(70)},
	}})
	if err != nil {
		t.Fatalf("NotifyChanges: %v", err)
	}
	m := api.waitFor(t, "Grade update")
	// Grouped by course in first-seen order.
	fizik := strings.Index(m.Text, "Fizik (1)")
	kimya := strings.Index(m.Text, "Kimya (2)")
	final := strings.Index(m.Text, "Final: <b>70</b>")
	if fizik < 0 || kimya < 0 || final < 0 || !(fizik < final && final < kimya) {
		t.Errorf("changes not grouped by course: %q", m.Text)
	}
	if !strings.Contains(m.Text, "50 → <b>55</b>") {
		t.Errorf("changed value should show previous: %q", m.Text)
	}

	if err := b.Alert(context.Background(), monitor.Alert{Kind: monitor.AlertPaused, Message: "bad password"}); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	alert := api.waitFor(t, "Monitoring paused")
	if alert.ReplyMarkup == nil {
		t.Error("paused alert should offer the keyboard")
	}
}

func TestSinkSkipsOwnChecks(t *testing.T) {
	b, api, _ := newTestBot()
	changes := []grades.Change{{Key: grades.Key{CourseID: "1", Component: "Vize"}, CourseName: "Fizik", Kind: grades.Added, Current: grades.Number(60)}}

	if err := b.NotifyChanges(context.Background(), monitor.ChangeEvent{Origin: Origin, Changes: changes}); err != nil {
		t.Fatalf("NotifyChanges: %v", err)
	}
	if msgs := api.messages(); len(msgs) != 0 {
		t.Errorf("chat-requested check was sent again: %v", msgs)
	}

	for _, origin := range []string{monitor.OriginTimer, monitor.OriginManual, "dashboard"} {
		if err := b.NotifyChanges(context.Background(), monitor.ChangeEvent{Origin: origin, Changes: changes}); err != nil {
			t.Fatalf("NotifyChanges(%s): %v", origin, err)
		}
	}
	if msgs := api.messages(); len(msgs) != 3 {
		t.Errorf("messages = %d, want 3", len(msgs))
	}
}

func TestSinkSendError(t *testing.T) {
	b, api, _ := newTestBot()
	api.sendErr = errors.New("network down")
	if err := b.Alert(context.Background(), monitor.Alert{Kind: monitor.AlertDegraded}); err == nil {
		t.Error("send failures should be returned to the monitor")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	b, api, ctl := newTestBot()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	api.updates <- commandUpdate(testChat, "stop")
	api.waitFor(t, "Monitoring stopped")
	if ctl.State() != monitor.Paused {
		t.Error("update from Run loop not handled")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.stopped {
		t.Error("StopReceivingUpdates not called")
	}
	if len(api.requests) == 0 {
		t.Error("commands should be registered on start")
	}
}

func TestSplitMessage(t *testing.T) {
	text := strings.Repeat("line of text\n", 10) // 130 bytes
	chunks := splitMessage(text, 40)
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks must reassemble the text")
	}
	for _, c := range chunks {
		if len(c) > 40 {
			t.Errorf("chunk of %d bytes exceeds limit", len(c))
		}
	}

	long := strings.Repeat("x", 95)
	if got := splitMessage(long, 40); len(got) != 3 || strings.Join(got, "") != long {
		t.Errorf("hard split = %d chunks", len(got))
	}
	if got := splitMessage("short", 40); len(got) != 1 {
		t.Errorf("short text split into %d", len(got))
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(config.TelegramConfig{ChatID: 1}, nil, nil, 0); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(config.TelegramConfig{Token: "token"}, nil, nil, 0); err == nil {
		t.Error("expected error without chat id")
	}
}
