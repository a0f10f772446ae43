package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/ingest"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
)

type captureFan struct {
	mu      sync.Mutex
	updates []models.Update
}

func (f *captureFan) Broadcast(u models.Update) {
	f.mu.Lock()
	f.updates = append(f.updates, u)
	f.mu.Unlock()
}

func (f *captureFan) kinds() []models.UpdateKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.UpdateKind, len(f.updates))
	for i, u := range f.updates {
		out[i] = u.Kind
	}
	return out
}

type captureOutbox struct {
	mu        sync.Mutex
	cmds      []models.OutboundCommand
	cancelled []string
	fail      bool
}

func (o *captureOutbox) Enqueue(cmd models.OutboundCommand) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("queue full")
	}
	o.cmds = append(o.cmds, cmd)
	return nil
}

func (o *captureOutbox) CancelThread(id string) {
	o.mu.Lock()
	o.cancelled = append(o.cancelled, id)
	o.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Channels = map[string]config.ChannelConfig{
		"whatsapp": {Enabled: true, ReplyWindow: config.Duration(24 * time.Hour)},
		"line":     {Enabled: true, ReplyWindow: config.Duration(time.Hour)},
		"webchat":  {Enabled: true},
	}
	cfg.SLA.ResponseTarget = config.Duration(5 * time.Minute)
	return cfg
}

func newTestOrch(t *testing.T) (*Orchestrator, *captureFan, *captureOutbox) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := ingest.NewBus(2, 32)
	bus.Start()
	t.Cleanup(bus.Stop)

	fan := &captureFan{}
	out := &captureOutbox{}
	o := New(testConfig(), bus, ingest.NewDedup(time.Minute), fan)
	o.SetOutbox(out)
	return o, fan, out
}

func waEvent(providerID, identity, body string) models.UnifiedEvent {
	return models.UnifiedEvent{
		Channel:        models.ChannelWhatsApp,
		ProviderMsgID:  providerID,
		SenderIdentity: identity,
		SenderName:     "Alex Tan",
		Content:        models.Content{Type: models.ContentText, Body: body},
		ReceivedTS:     time.Now().UnixNano(),
	}
}

func TestInboundCreatesGuestAndThread(t *testing.T) {
	o, fan, _ := newTestOrch(t)

	msg, err := o.HandleInbound(context.Background(), waEvent("MSG123", "+6598765432", "towel please"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("first message should be seq 1, got %d", msg.Seq)
	}

	g, err := store.GetGuestByBinding(models.ChannelWhatsApp, "+6598765432")
	if err != nil {
		t.Fatalf("guest not created: %v", err)
	}
	if g.Name != "Alex Tan" {
		t.Fatalf("guest name not captured: %+v", g)
	}
	th, err := store.GetThread(msg.Thread)
	if err != nil {
		t.Fatalf("thread not stored: %v", err)
	}
	if th.Status != models.ThreadOpen || th.Guest != g.ID {
		t.Fatalf("unexpected thread: %+v", th)
	}

	// both timers armed on first inbound
	if tm, err := store.GetTimer(th.ID, models.ReplyWindow); err != nil || tm.State != models.TimerActive {
		t.Fatalf("reply window not armed: %+v %v", tm, err)
	}
	if tm, err := store.GetTimer(th.ID, models.ResponseSLA); err != nil || tm.State != models.TimerActive {
		t.Fatalf("response sla not armed: %+v %v", tm, err)
	}

	kinds := fan.kinds()
	if len(kinds) != 2 || kinds[0] != models.UpdateThreadCreated || kinds[1] != models.UpdateMessageAppended {
		t.Fatalf("unexpected fan-out sequence: %v", kinds)
	}
}

func TestInboundDuplicateDiscarded(t *testing.T) {
	o, _, _ := newTestOrch(t)

	first, err := o.HandleInbound(context.Background(), waEvent("MSG123", "+6598765432", "towel please"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := o.HandleInbound(context.Background(), waEvent("MSG123", "+6598765432", "towel please")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	msgs, err := store.ListMessages(first.Thread, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("duplicate appended anyway: %d messages", len(msgs))
	}
}

func TestInboundReusesOpenThread(t *testing.T) {
	o, _, _ := newTestOrch(t)

	m1, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hello"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	m2, err := o.HandleInbound(context.Background(), waEvent("MSG-2", "+6598765432", "anyone there?"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if m2.Thread != m1.Thread {
		t.Fatalf("same guest+channel should share the open thread: %s vs %s", m1.Thread, m2.Thread)
	}
	if m2.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", m2.Seq)
	}
}

func TestReplyDispatchesAndCancelsSLA(t *testing.T) {
	o, _, out := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "towel please"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}

	reply, err := o.HandleReply(context.Background(), in.Thread, "staff-7", models.Content{Type: models.ContentText, Body: "on the way"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Status != models.DeliveryPending || reply.Direction != models.Outbound {
		t.Fatalf("unexpected reply message: %+v", reply)
	}

	out.mu.Lock()
	cmds := append([]models.OutboundCommand{}, out.cmds...)
	out.mu.Unlock()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 outbound command, got %d", len(cmds))
	}
	if cmds[0].Destination != "+6598765432" || cmds[0].Seq != reply.Seq {
		t.Fatalf("unexpected command: %+v", cmds[0])
	}

	if tm, err := store.GetTimer(in.Thread, models.ResponseSLA); err != nil || tm.State != models.TimerCancelled {
		t.Fatalf("response sla should be cancelled: %+v %v", tm, err)
	}
	// the reply satisfies the hard window pending delivery confirmation
	if tm, err := store.GetTimer(in.Thread, models.ReplyWindow); err != nil || tm.State != models.TimerCancelled {
		t.Fatalf("reply window should be cancelled: %+v %v", tm, err)
	}

	th, _ := store.GetThread(in.Thread)
	if th.AssignedStaff != "staff-7" {
		t.Fatalf("staff not assigned: %+v", th)
	}
}

func TestReplyRejectedOnInactiveThread(t *testing.T) {
	o, _, out := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if _, err := o.Close(context.Background(), in.Thread, "staff-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "late"}); !errors.Is(err, ErrThreadNotActive) {
		t.Fatalf("expected ErrThreadNotActive, got %v", err)
	}
	out.mu.Lock()
	cancelled := len(out.cancelled)
	out.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("close should withdraw pending deliveries")
	}
}

func TestResponseSLABreach(t *testing.T) {
	o, _, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "towel please"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}

	tm, _ := store.GetTimer(in.Thread, models.ResponseSLA)
	tm.Deadline = time.Now().Add(-time.Second).UnixNano()
	rec, _ := store.TimerRecord(tm)
	if err := store.ApplyBatch([]store.Record{rec}); err != nil {
		t.Fatalf("rewind deadline: %v", err)
	}

	o.HandleBreach(tm)

	th, _ := store.GetThread(in.Thread)
	if th.Status != models.ThreadEscalated || th.Urgency != models.UrgencyRed {
		t.Fatalf("breach should escalate and go red: %+v", th)
	}
	got, _ := store.GetTimer(in.Thread, models.ResponseSLA)
	if got.State != models.TimerBreached {
		t.Fatalf("timer not marked breached: %+v", got)
	}

	// a breach observed twice is applied once
	o.HandleBreach(tm)
	th2, _ := store.GetThread(in.Thread)
	if th2.NextUpdate != th.NextUpdate {
		t.Fatalf("second breach should be a no-op")
	}
}

func TestReplyWindowBreachExpiresThread(t *testing.T) {
	o, _, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}

	tm, _ := store.GetTimer(in.Thread, models.ReplyWindow)
	tm.Deadline = time.Now().Add(-time.Second).UnixNano()
	rec, _ := store.TimerRecord(tm)
	if err := store.ApplyBatch([]store.Record{rec}); err != nil {
		t.Fatalf("rewind deadline: %v", err)
	}
	o.HandleBreach(tm)

	th, _ := store.GetThread(in.Thread)
	if th.Status != models.ThreadExpired {
		t.Fatalf("window breach should expire the thread: %+v", th)
	}
	if _, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "late"}); !errors.Is(err, ErrThreadNotActive) {
		t.Fatalf("reply on expired thread should be rejected, got %v", err)
	}

	// the guest messaging again retires the expired thread and starts a
	// fresh one; EXPIRED only ever moves to CLOSED
	again, err := o.HandleInbound(context.Background(), waEvent("MSG-2", "+6598765432", "still there?"))
	if err != nil {
		t.Fatalf("inbound after expiry: %v", err)
	}
	if again.Thread == in.Thread {
		t.Fatalf("expired thread must not be reused")
	}
	if again.Seq != 1 {
		t.Fatalf("fresh thread should restart sequence, got %d", again.Seq)
	}
	old, _ := store.GetThread(in.Thread)
	if old.Status != models.ThreadClosed {
		t.Fatalf("expired thread should be closed by the next inbound: %+v", old)
	}
	fresh, _ := store.GetThread(again.Thread)
	if fresh.Status != models.ThreadOpen {
		t.Fatalf("replacement thread should be OPEN: %+v", fresh)
	}
	if tid, err := store.OpenThreadID(fresh.Guest, fresh.Channel); err != nil || tid != again.Thread {
		t.Fatalf("open pointer should track the replacement: %q %v", tid, err)
	}
}

func TestCloseReleasesOpenPointer(t *testing.T) {
	o, _, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if _, err := o.Close(context.Background(), in.Thread, "staff-1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	next, err := o.HandleInbound(context.Background(), waEvent("MSG-2", "+6598765432", "new request"))
	if err != nil {
		t.Fatalf("inbound after close: %v", err)
	}
	if next.Thread == in.Thread {
		t.Fatalf("closed thread must not be reused")
	}
	if next.Seq != 1 {
		t.Fatalf("fresh thread should restart sequence, got %d", next.Seq)
	}
}

func TestDeliveryFailureRecorded(t *testing.T) {
	o, fan, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	reply, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "hello"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	o.HandleDeliveryResult(in.Thread, reply.Seq, models.DeliveryReceipt{},
		&models.DeliveryError{Channel: models.ChannelWhatsApp, Class: models.Terminal, Reason: "recipient blocked"})

	m, err := store.GetMessage(in.Thread, reply.Seq)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Status != models.DeliveryFailed || m.FailureReason != "recipient blocked" {
		t.Fatalf("failure not recorded: %+v", m)
	}

	kinds := fan.kinds()
	if kinds[len(kinds)-1] != models.UpdateDeliveryFailed {
		t.Fatalf("console not told about the failure: %v", kinds)
	}
}

func TestEnqueueFailureMarksMessageFailed(t *testing.T) {
	o, _, out := newTestOrch(t)
	out.fail = true

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	reply, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "hello"})
	if err != nil {
		t.Fatalf("reply itself should persist: %v", err)
	}
	m, err := store.GetMessage(in.Thread, reply.Seq)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Status != models.DeliveryFailed {
		t.Fatalf("stalled outbox should fail the message: %+v", m)
	}
}

func TestLineReplyTokenCarriedOutbound(t *testing.T) {
	o, _, out := newTestOrch(t)

	ev := models.UnifiedEvent{
		Channel:        models.ChannelLine,
		ProviderMsgID:  "ln-1",
		SenderIdentity: "U4af4980629",
		Content: models.Content{
			Type: models.ContentText, Body: "checkout time?",
			Meta: map[string]string{"line_reply_token": "tok-abc"},
		},
		ReceivedTS: time.Now().UnixNano(),
	}
	in, err := o.HandleInbound(context.Background(), ev)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if _, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "noon"}); err != nil {
		t.Fatalf("reply: %v", err)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.cmds) != 1 || out.cmds[0].Content.Meta["line_reply_token"] != "tok-abc" {
		t.Fatalf("reply token not carried to dispatch: %+v", out.cmds)
	}
}

func TestApplyEnrichment(t *testing.T) {
	o, fan, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "水タオルをください"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	o.ApplyEnrichment(in.Thread, in.Seq, models.Enrichment{
		TranslatedText: "please bring water and towels",
		IntentLabel:    "housekeeping",
	})

	m, err := store.GetMessage(in.Thread, in.Seq)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Enrichment == nil || m.Enrichment.IntentLabel != "housekeeping" {
		t.Fatalf("enrichment not attached: %+v", m)
	}
	kinds := fan.kinds()
	if kinds[len(kinds)-1] != models.UpdateEnrichment {
		t.Fatalf("enrichment fan-out missing: %v", kinds)
	}
}

func TestRebindMovesIdentity(t *testing.T) {
	o, _, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	th, _ := store.GetThread(in.Thread)

	other := models.Guest{ID: "g-manual", Name: "Приезжий", Bindings: map[models.Channel]string{}}
	rec, _ := store.GuestRecord(other)
	if err := store.ApplyBatch([]store.Record{rec}); err != nil {
		t.Fatalf("seed guest: %v", err)
	}

	if err := o.Rebind(context.Background(), "g-manual", models.ChannelWhatsApp, "+6598765432"); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	g, err := store.GetGuestByBinding(models.ChannelWhatsApp, "+6598765432")
	if err != nil {
		t.Fatalf("binding lookup: %v", err)
	}
	if g.ID != "g-manual" {
		t.Fatalf("binding should point at the rebound guest, got %s", g.ID)
	}
	old, _ := store.GetGuest(th.Guest)
	if old.Bindings[models.ChannelWhatsApp] != "" {
		t.Fatalf("previous owner should lose the binding: %+v", old)
	}
}

func TestConcurrentInboundAndReplySerialized(t *testing.T) {
	o, _, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("SEED", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("seed inbound: %v", err)
	}

	const n = 40
	var accepted uint64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ev := waEvent(fmt.Sprintf("MSG-%d", i), "+6598765432", "ping")
			if _, err := o.HandleInbound(context.Background(), ev); err == nil {
				atomic.AddUint64(&accepted, 1)
			}
		}(i)
		go func() {
			defer wg.Done()
			_, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "pong"})
			if err == nil {
				atomic.AddUint64(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	want := int(atomic.LoadUint64(&accepted)) + 1
	msgs, err := store.ListMessages(in.Thread, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != want {
		t.Fatalf("persisted %d messages, accepted %d", len(msgs), want)
	}
	for i, m := range msgs {
		if m.Seq != uint64(i+1) {
			t.Fatalf("sequence gap at %d: got seq %d", i, m.Seq)
		}
	}
	th, _ := store.GetThread(in.Thread)
	if th.NextSeq != uint64(want)+1 {
		t.Fatalf("thread NextSeq %d, want %d", th.NextSeq, want+1)
	}
}

func TestDeliveredReplyOutlivesOldWindowDeadline(t *testing.T) {
	o, _, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "towel please"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	reply, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "on the way"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	o.HandleDeliveryResult(in.Thread, reply.Seq, models.DeliveryReceipt{Status: models.DeliverySent}, nil)

	tm, err := store.GetTimer(in.Thread, models.ReplyWindow)
	if err != nil || tm.State != models.TimerCancelled {
		t.Fatalf("window should be cancelled after delivered reply: %+v %v", tm, err)
	}

	// a sweep observing the original deadline must not expire the thread
	tm.Deadline = time.Now().Add(-time.Second).UnixNano()
	o.HandleBreach(tm)
	th, _ := store.GetThread(in.Thread)
	if th.Status != models.ThreadOpen {
		t.Fatalf("thread expired despite delivered reply: %+v", th)
	}
}

func TestTerminalFailureRearmsReplyWindow(t *testing.T) {
	o, _, _ := newTestOrch(t)

	in, err := o.HandleInbound(context.Background(), waEvent("MSG-1", "+6598765432", "hi"))
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	before, _ := store.GetTimer(in.Thread, models.ReplyWindow)

	reply, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "hello"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	o.HandleDeliveryResult(in.Thread, reply.Seq, models.DeliveryReceipt{},
		&models.DeliveryError{Channel: models.ChannelWhatsApp, Class: models.Terminal, Reason: "recipient blocked"})

	tm, err := store.GetTimer(in.Thread, models.ReplyWindow)
	if err != nil || tm.State != models.TimerActive {
		t.Fatalf("failed delivery should roll the window back to ACTIVE: %+v %v", tm, err)
	}
	if tm.Deadline != before.Deadline {
		t.Fatalf("rollback must keep the original deadline: %d vs %d", tm.Deadline, before.Deadline)
	}

	// once one outbound made it through, later failures keep it cancelled
	ok, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "retry"})
	if err != nil {
		t.Fatalf("second reply: %v", err)
	}
	o.HandleDeliveryResult(in.Thread, ok.Seq, models.DeliveryReceipt{Status: models.DeliveryDelivered}, nil)
	bad, err := o.HandleReply(context.Background(), in.Thread, "staff-1", models.Content{Type: models.ContentText, Body: "anything else?"})
	if err != nil {
		t.Fatalf("third reply: %v", err)
	}
	o.HandleDeliveryResult(in.Thread, bad.Seq, models.DeliveryReceipt{},
		&models.DeliveryError{Channel: models.ChannelWhatsApp, Class: models.Terminal, Reason: "malformed content"})
	tm, _ = store.GetTimer(in.Thread, models.ReplyWindow)
	if tm.State != models.TimerCancelled {
		t.Fatalf("window should stay cancelled after a successful outbound: %+v", tm)
	}
}
