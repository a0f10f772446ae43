package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/ingest"
	"guesthub/pkg/logger"
	"guesthub/pkg/metrics"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
	"guesthub/pkg/utils"
)

// Outbox accepts outbound commands for asynchronous delivery.
type Outbox interface {
	Enqueue(cmd models.OutboundCommand) error
	CancelThread(threadID string)
}

// Broadcaster pushes committed updates to connected console sessions.
type Broadcaster interface {
	Broadcast(u models.Update)
}

// Enricher asynchronously attaches AI assistance to a stored message.
type Enricher interface {
	EnrichAsync(m models.Message)
}

var (
	// ErrDuplicate marks an inbound event already ingested; callers
	// acknowledge the provider without re-processing.
	ErrDuplicate = errors.New("duplicate provider event")
	// ErrThreadNotActive rejects staff actions on EXPIRED/CLOSED threads.
	ErrThreadNotActive = errors.New("thread not active")

	// errThreadSuperseded: the resolved thread went inactive before its
	// append ran; the caller re-resolves.
	errThreadSuperseded = errors.New("thread superseded")
)

// Orchestrator owns every thread state transition. Every mutation of a
// thread runs on that thread's bus partition, so reads inside a
// transition see the latest committed state and writes never interleave.
// Inbound events first resolve their thread on the conversation
// partition (guest lookup and thread creation), then append on the
// thread partition like every other mutation.
type Orchestrator struct {
	cfg    *config.Config
	bus    *ingest.Bus
	dedup  *ingest.Dedup
	fan    Broadcaster
	outbox Outbox
	enrich Enricher
}

func New(cfg *config.Config, bus *ingest.Bus, dedup *ingest.Dedup, fan Broadcaster) *Orchestrator {
	return &Orchestrator{cfg: cfg, bus: bus, dedup: dedup, fan: fan}
}

// SetOutbox wires the dispatcher after construction; the dispatcher also
// reports results back here, so the two are wired in one place at startup.
func (o *Orchestrator) SetOutbox(out Outbox) { o.outbox = out }

// SetEnricher wires the optional assist client.
func (o *Orchestrator) SetEnricher(e Enricher) { o.enrich = e }

// appendUpdate stages a fan-out update on the thread's update log; the
// record commits in the same batch as the state it describes.
func appendUpdate(t *models.Thread, kind models.UpdateKind, payload any, recs *[]store.Record, pending *[]models.Update) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	t.NextUpdate++
	u := models.Update{Kind: kind, Thread: t.ID, Seq: t.NextUpdate, TS: time.Now().UnixNano(), Payload: body}
	rec, err := store.UpdateRecord(u)
	if err != nil {
		return err
	}
	*recs = append(*recs, rec)
	*pending = append(*pending, u)
	return nil
}

func (o *Orchestrator) broadcast(pending []models.Update) {
	if o.fan == nil {
		return
	}
	for _, u := range pending {
		o.fan.Broadcast(u)
	}
}

// HandleInbound ingests one normalized event: it resolves the guest,
// finds or creates the open thread, appends the message, arms timers and
// commits everything atomically. A nil error means the event is durable
// and the provider may be acknowledged.
func (o *Orchestrator) HandleInbound(ctx context.Context, ev models.UnifiedEvent) (models.Message, error) {
	if !ev.Channel.Valid() {
		return models.Message{}, fmt.Errorf("unknown channel %q", ev.Channel)
	}
	if dup, err := o.dedup.Seen(ev.Channel, ev.ProviderMsgID); err != nil {
		return models.Message{}, err
	} else if dup {
		metrics.EventsDeduped.WithLabelValues(string(ev.Channel)).Inc()
		return models.Message{}, ErrDuplicate
	}

	// Resolution and append run on different partitions; a thread that
	// expired or closed between the two phases makes us resolve again.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := o.resolveThread(ctx, ev)
		if err != nil {
			return models.Message{}, err
		}
		if res.expired {
			if err := o.retireExpired(ctx, res.threadID); err != nil {
				return models.Message{}, err
			}
			continue
		}
		msg, err := o.appendInbound(ctx, res, ev)
		if err == errThreadSuperseded {
			continue
		}
		if err != nil {
			return models.Message{}, err
		}
		if o.enrich != nil && msg.Content.Type == models.ContentText {
			o.enrich.EnrichAsync(msg)
		}
		return msg, nil
	}
	return models.Message{}, fmt.Errorf("thread for %s:%s did not settle", ev.Channel, ev.SenderIdentity)
}

// resolution carries the outcome of the conversation-partition phase
// into the thread-partition append.
type resolution struct {
	threadID string
	guest    models.Guest
	created  bool
	conflict bool
	expired  bool
}

// convKey serializes guest resolution and thread creation for one
// channel identity.
func convKey(ch models.Channel, identity string) string {
	return "conv:" + string(ch) + ":" + identity
}

// resolveThread maps an inbound event to its thread, creating one when
// the guest has no usable open thread on the channel. Guest and thread
// creation commit here; the message itself is appended afterwards on the
// thread's own partition.
func (o *Orchestrator) resolveThread(ctx context.Context, ev models.UnifiedEvent) (resolution, error) {
	var res resolution
	err := o.bus.Do(ctx, convKey(ev.Channel, ev.SenderIdentity), func() error {
		var recs []store.Record
		guest, conflict, err := o.resolveGuest(ev, &recs)
		if err != nil {
			return err
		}
		res.guest = guest
		res.conflict = conflict

		if tid, terr := store.OpenThreadID(guest.ID, ev.Channel); terr == nil {
			t, gerr := store.GetThread(tid)
			if gerr == nil && t.Status.Active() {
				res.threadID = tid
				if len(recs) > 0 {
					return store.ApplyBatch(recs)
				}
				return nil
			}
			if gerr == nil && t.Status == models.ThreadExpired {
				res.threadID = tid
				res.expired = true
				if len(recs) > 0 {
					return store.ApplyBatch(recs)
				}
				return nil
			}
			// stale pointer to a closed or missing thread; fall through
		} else if terr != store.ErrNotFound {
			return terr
		}

		t := models.Thread{
			ID:        utils.GenThreadID(),
			Guest:     guest.ID,
			Channel:   ev.Channel,
			Status:    models.ThreadOpen,
			CreatedTS: ev.ReceivedTS,
			NextSeq:   1,
			Urgency:   models.UrgencyGreen,
		}
		trec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, trec, store.OpenThreadRecord(guest.ID, ev.Channel, t.ID))
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		res.threadID = t.ID
		res.created = true
		return nil
	})
	return res, err
}

// retireExpired closes a thread whose reply window lapsed; the guest's
// next inbound starts a fresh thread on the channel.
func (o *Orchestrator) retireExpired(ctx context.Context, threadID string) error {
	return o.bus.Do(ctx, threadID, func() error {
		t, err := store.GetThread(threadID)
		if err != nil {
			return err
		}
		if t.Status != models.ThreadExpired {
			return nil
		}
		t.Status = models.ThreadClosed
		t.ClosedTS = time.Now().UnixNano()

		var recs []store.Record
		var pending []models.Update
		if tm, terr := store.GetTimer(t.ID, models.ResponseSLA); terr == nil && tm.State == models.TimerActive {
			tm.State = models.TimerCancelled
			rec, rerr := store.TimerRecord(tm)
			if rerr != nil {
				return rerr
			}
			recs = append(recs, rec)
		}
		recs = append(recs, store.ClearOpenThreadRecord(t.Guest, t.Channel))
		if err := appendUpdate(&t, models.UpdateThreadStateChanged, t, &recs, &pending); err != nil {
			return err
		}
		rec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		logger.AuditEvent("thread_expired_closed", "thread", t.ID)
		o.broadcast(pending)
		return nil
	})
}

// appendInbound commits the message on the thread's partition, where it
// serializes against replies, breaches and closes for the same thread.
func (o *Orchestrator) appendInbound(ctx context.Context, res resolution, ev models.UnifiedEvent) (models.Message, error) {
	var msg models.Message
	err := o.bus.Do(ctx, res.threadID, func() error {
		// the partition worker is the serialization point; re-check now
		// that racing duplicates are ordered behind us
		if dup, err := o.dedup.Seen(ev.Channel, ev.ProviderMsgID); err != nil {
			return err
		} else if dup {
			metrics.EventsDeduped.WithLabelValues(string(ev.Channel)).Inc()
			return ErrDuplicate
		}
		t, err := store.GetThread(res.threadID)
		if err != nil {
			return err
		}
		if !t.Status.Active() {
			return errThreadSuperseded
		}

		var recs []store.Record
		var pending []models.Update

		if res.created {
			if err := appendUpdate(&t, models.UpdateThreadCreated, t, &recs, &pending); err != nil {
				return err
			}
		}
		if res.conflict {
			metrics.IdentityConflicts.Inc()
			logger.AuditEvent("identity_conflict", "channel", ev.Channel, "identity", ev.SenderIdentity, "guest", res.guest.ID)
			note := map[string]string{"channel": string(ev.Channel), "identity": ev.SenderIdentity, "guest": res.guest.ID}
			if err := appendUpdate(&t, models.UpdateIdentityConflict, note, &recs, &pending); err != nil {
				return err
			}
		}

		seq := t.NextSeq
		t.NextSeq++
		t.LastInboundTS = ev.ReceivedTS
		t.Urgency = models.UrgencyGreen

		msg = models.Message{
			ID:            utils.GenMsgID(),
			Thread:        t.ID,
			Seq:           seq,
			Direction:     models.Inbound,
			Channel:       ev.Channel,
			Sender:        ev.SenderIdentity,
			Content:       ev.Content,
			ProviderMsgID: ev.ProviderMsgID,
			TS:            ev.ReceivedTS,
		}
		mrec, err := store.MessageRecord(msg)
		if err != nil {
			return err
		}
		recs = append(recs, mrec)

		if err := o.armTimers(t.ID, ev.Channel, ev.ReceivedTS, &recs); err != nil {
			return err
		}
		if ev.ProviderMsgID != "" {
			recs = append(recs, store.DedupRecord(ev.Channel, ev.ProviderMsgID, ev.ReceivedTS))
		}
		if err := appendUpdate(&t, models.UpdateMessageAppended, msg, &recs, &pending); err != nil {
			return err
		}
		trec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, trec)

		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		o.dedup.Mark(ev.Channel, ev.ProviderMsgID)
		metrics.EventsIngested.WithLabelValues(string(ev.Channel)).Inc()
		logger.Info("inbound_ingested", "thread", t.ID, "seq", seq, "channel", ev.Channel)
		o.broadcast(pending)
		return nil
	})
	return msg, err
}

// armTimers re-arms the hard reply window on every inbound message and
// starts the soft response SLA only when none is already running, so the
// deadline stays anchored to the first unanswered message.
func (o *Orchestrator) armTimers(threadID string, ch models.Channel, now int64, recs *[]store.Record) error {
	if w := o.cfg.Channel(string(ch)).ReplyWindow.Std(); w > 0 {
		rec, err := store.TimerRecord(models.SLATimer{
			Thread: threadID, Kind: models.ReplyWindow,
			Deadline: now + w.Nanoseconds(), State: models.TimerActive, ArmedTS: now,
		})
		if err != nil {
			return err
		}
		*recs = append(*recs, rec)
	}
	if target := o.cfg.SLA.ResponseTarget.Std(); target > 0 {
		cur, err := store.GetTimer(threadID, models.ResponseSLA)
		if err == nil && cur.State == models.TimerActive {
			return nil
		}
		if err != nil && err != store.ErrNotFound {
			return err
		}
		rec, err := store.TimerRecord(models.SLATimer{
			Thread: threadID, Kind: models.ResponseSLA,
			Deadline: now + target.Nanoseconds(), State: models.TimerActive, ArmedTS: now,
		})
		if err != nil {
			return err
		}
		*recs = append(*recs, rec)
	}
	return nil
}

// HandleReply appends a staff reply, cancels the response SLA and hands
// the message to the dispatcher. The reply is durable as PENDING before
// any provider call happens.
func (o *Orchestrator) HandleReply(ctx context.Context, threadID, staffID string, content models.Content) (models.Message, error) {
	var msg models.Message
	var cmd models.OutboundCommand
	err := o.bus.Do(ctx, threadID, func() error {
		t, err := store.GetThread(threadID)
		if err != nil {
			return err
		}
		if !t.Status.Active() {
			return ErrThreadNotActive
		}
		guest, err := store.GetGuest(t.Guest)
		if err != nil {
			return err
		}
		dest := guest.Bindings[t.Channel]
		if dest == "" {
			return fmt.Errorf("guest %s has no %s binding", guest.ID, t.Channel)
		}

		var recs []store.Record
		var pending []models.Update

		now := time.Now().UnixNano()
		seq := t.NextSeq
		t.NextSeq++
		t.LastOutboundTS = now
		t.Urgency = models.UrgencyGreen
		if staffID != "" && t.AssignedStaff == "" {
			t.AssignedStaff = staffID
		}

		msg = models.Message{
			ID:        utils.GenMsgID(),
			Thread:    t.ID,
			Seq:       seq,
			Direction: models.Outbound,
			Channel:   t.Channel,
			Sender:    staffID,
			Content:   content,
			TS:        now,
			Status:    models.DeliveryPending,
		}
		mrec, err := store.MessageRecord(msg)
		if err != nil {
			return err
		}
		recs = append(recs, mrec)

		if cur, err := store.GetTimer(t.ID, models.ResponseSLA); err == nil && cur.State == models.TimerActive {
			cur.State = models.TimerCancelled
			rec, err := store.TimerRecord(cur)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		// optimistic: this reply satisfies the hard window; a failed
		// delivery rolls the timer back to ACTIVE
		if cur, err := store.GetTimer(t.ID, models.ReplyWindow); err == nil && cur.State == models.TimerActive {
			cur.State = models.TimerCancelled
			rec, err := store.TimerRecord(cur)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}

		if err := appendUpdate(&t, models.UpdateMessageAppended, msg, &recs, &pending); err != nil {
			return err
		}
		trec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, trec)

		if err := store.ApplyBatch(recs); err != nil {
			return err
		}

		outContent := content
		if meta := o.lastInboundMeta(t.ID, seq); len(meta) > 0 {
			merged := make(map[string]string, len(meta)+len(outContent.Meta))
			for k, v := range meta {
				merged[k] = v
			}
			for k, v := range outContent.Meta {
				merged[k] = v
			}
			outContent.Meta = merged
		}
		cmd = models.OutboundCommand{
			MessageID:   msg.ID,
			Thread:      t.ID,
			Seq:         seq,
			Channel:     t.Channel,
			Destination: dest,
			Content:     outContent,
		}
		logger.Info("reply_accepted", "thread", t.ID, "seq", seq, "staff", staffID)
		o.broadcast(pending)
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if o.outbox != nil {
		if err := o.outbox.Enqueue(cmd); err != nil {
			// the reply is durable; report the stalled outbox and let the
			// delivery-result path mark it failed
			logger.Error("outbox_enqueue_failed", "thread", cmd.Thread, "seq", cmd.Seq, "error", err)
			o.HandleDeliveryResult(cmd.Thread, cmd.Seq, models.DeliveryReceipt{},
				&models.DeliveryError{Channel: cmd.Channel, Class: models.Terminal, Reason: "outbound queue full"})
		}
	}
	return msg, nil
}

// lastInboundMeta returns the content meta of the thread's most recent
// inbound message, carrying provider tokens (LINE reply tokens) to the
// outbound side.
func (o *Orchestrator) lastInboundMeta(threadID string, upto uint64) map[string]string {
	var since uint64
	if upto > 20 {
		since = upto - 20
	}
	msgs, err := store.ListMessages(threadID, since, 0)
	if err != nil {
		return nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Direction == models.Inbound {
			return msgs[i].Content.Meta
		}
	}
	return nil
}

// hasDeliveredOutbound reports whether any outbound message on the
// thread already reached the provider.
func hasDeliveredOutbound(threadID string) bool {
	msgs, err := store.ListMessages(threadID, 0, 0)
	if err != nil {
		return false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Direction == models.Outbound &&
			(msgs[i].Status == models.DeliverySent || msgs[i].Status == models.DeliveryDelivered) {
			return true
		}
	}
	return false
}

// HandleDeliveryResult records the dispatcher's verdict for one outbound
// message and tells the console about it.
func (o *Orchestrator) HandleDeliveryResult(threadID string, seq uint64, receipt models.DeliveryReceipt, derr *models.DeliveryError) {
	err := o.bus.Do(context.Background(), threadID, func() error {
		m, err := store.GetMessage(threadID, seq)
		if err != nil {
			return err
		}
		t, err := store.GetThread(threadID)
		if err != nil {
			return err
		}
		var recs []store.Record
		var pending []models.Update

		kind := models.UpdateDeliveryStatus
		if derr != nil {
			m.Status = models.DeliveryFailed
			m.FailureReason = derr.Reason
			kind = models.UpdateDeliveryFailed
			metrics.DispatchFailed.WithLabelValues(string(m.Channel)).Inc()
			logger.Warn("delivery_failed", "thread", threadID, "seq", seq, "reason", derr.Reason)
			// roll the optimistic window cancel back unless another
			// outbound made it through in the meantime
			if tm, terr := store.GetTimer(threadID, models.ReplyWindow); terr == nil &&
				tm.State == models.TimerCancelled && t.Status.Active() && !hasDeliveredOutbound(threadID) {
				tm.State = models.TimerActive
				rec, rerr := store.TimerRecord(tm)
				if rerr != nil {
					return rerr
				}
				recs = append(recs, rec)
			}
		} else {
			m.Status = receipt.Status
			if receipt.ProviderMsgID != "" {
				m.ProviderMsgID = receipt.ProviderMsgID
			}
		}
		mrec, err := store.MessageRecord(m)
		if err != nil {
			return err
		}
		recs = append(recs, mrec)
		if err := appendUpdate(&t, kind, m, &recs, &pending); err != nil {
			return err
		}
		trec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, trec)
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		o.broadcast(pending)
		return nil
	})
	if err != nil {
		logger.Error("delivery_result_lost", "thread", threadID, "seq", seq, "error", err)
	}
}

// HandleBreach applies a timer breach observed by the SLA sweep. The
// timer is re-read on the thread's partition; a deadline that moved or a
// timer no longer active makes this a no-op.
func (o *Orchestrator) HandleBreach(tm models.SLATimer) {
	err := o.bus.Do(context.Background(), tm.Thread, func() error {
		cur, err := store.GetTimer(tm.Thread, tm.Kind)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		now := time.Now().UnixNano()
		if cur.State != models.TimerActive || cur.Deadline > now {
			return nil
		}
		t, err := store.GetThread(tm.Thread)
		if err != nil {
			return err
		}

		var recs []store.Record
		var pending []models.Update

		cur.State = models.TimerBreached
		trec, err := store.TimerRecord(cur)
		if err != nil {
			return err
		}
		recs = append(recs, trec)

		switch tm.Kind {
		case models.ResponseSLA:
			t.Urgency = models.UrgencyRed
			if t.Status == models.ThreadOpen {
				t.Status = models.ThreadEscalated
			}
		case models.ReplyWindow:
			if t.Status.Active() {
				t.Status = models.ThreadExpired
			}
		}
		if err := appendUpdate(&t, models.UpdateSLABreached, cur, &recs, &pending); err != nil {
			return err
		}
		if err := appendUpdate(&t, models.UpdateThreadStateChanged, t, &recs, &pending); err != nil {
			return err
		}
		rec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		metrics.SLABreaches.WithLabelValues(string(tm.Kind)).Inc()
		logger.AuditEvent("sla_breached", "thread", t.ID, "kind", tm.Kind, "deadline", cur.Deadline)
		o.broadcast(pending)
		return nil
	})
	if err != nil {
		logger.Error("breach_apply_failed", "thread", tm.Thread, "kind", tm.Kind, "error", err)
	}
}

// UpdateUrgency moves a thread's console urgency; used by the sweep for
// the yellow warning band.
func (o *Orchestrator) UpdateUrgency(threadID string, u models.SLAUrgency) {
	err := o.bus.Do(context.Background(), threadID, func() error {
		t, err := store.GetThread(threadID)
		if err != nil {
			return err
		}
		if !t.Status.Active() || t.Urgency == u {
			return nil
		}
		t.Urgency = u
		var recs []store.Record
		var pending []models.Update
		if err := appendUpdate(&t, models.UpdateThreadStateChanged, t, &recs, &pending); err != nil {
			return err
		}
		rec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		o.broadcast(pending)
		return nil
	})
	if err != nil {
		logger.Error("urgency_update_failed", "thread", threadID, "error", err)
	}
}

// Escalate marks a thread ESCALATED and optionally assigns staff.
func (o *Orchestrator) Escalate(ctx context.Context, threadID, staffID string) (models.Thread, error) {
	var out models.Thread
	err := o.bus.Do(ctx, threadID, func() error {
		t, err := store.GetThread(threadID)
		if err != nil {
			return err
		}
		if !t.Status.Active() {
			return ErrThreadNotActive
		}
		t.Status = models.ThreadEscalated
		if staffID != "" {
			t.AssignedStaff = staffID
		}
		var recs []store.Record
		var pending []models.Update
		if err := appendUpdate(&t, models.UpdateThreadStateChanged, t, &recs, &pending); err != nil {
			return err
		}
		rec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		logger.AuditEvent("thread_escalated", "thread", t.ID, "staff", staffID)
		o.broadcast(pending)
		out = t
		return nil
	})
	return out, err
}

// Close finishes a thread: timers are cancelled, the open pointer is
// released and pending deliveries for the thread are withdrawn.
func (o *Orchestrator) Close(ctx context.Context, threadID, staffID string) (models.Thread, error) {
	var out models.Thread
	err := o.bus.Do(ctx, threadID, func() error {
		t, err := store.GetThread(threadID)
		if err != nil {
			return err
		}
		if t.Status == models.ThreadClosed {
			out = t
			return nil
		}
		t.Status = models.ThreadClosed
		t.ClosedTS = time.Now().UnixNano()

		var recs []store.Record
		var pending []models.Update
		for _, kind := range []models.TimerKind{models.ReplyWindow, models.ResponseSLA} {
			tm, err := store.GetTimer(t.ID, kind)
			if err != nil {
				continue
			}
			if tm.State == models.TimerActive {
				tm.State = models.TimerCancelled
				rec, err := store.TimerRecord(tm)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
			}
		}
		recs = append(recs, store.ClearOpenThreadRecord(t.Guest, t.Channel))
		if err := appendUpdate(&t, models.UpdateThreadStateChanged, t, &recs, &pending); err != nil {
			return err
		}
		rec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		logger.AuditEvent("thread_closed", "thread", t.ID, "staff", staffID)
		o.broadcast(pending)
		out = t
		return nil
	})
	if err == nil && o.outbox != nil {
		o.outbox.CancelThread(threadID)
	}
	return out, err
}

// ApplyEnrichment attaches a late assist result to a stored message.
func (o *Orchestrator) ApplyEnrichment(threadID string, seq uint64, e models.Enrichment) {
	err := o.bus.Do(context.Background(), threadID, func() error {
		m, err := store.GetMessage(threadID, seq)
		if err != nil {
			return err
		}
		t, err := store.GetThread(threadID)
		if err != nil {
			return err
		}
		m.Enrichment = &e
		var recs []store.Record
		var pending []models.Update
		mrec, err := store.MessageRecord(m)
		if err != nil {
			return err
		}
		recs = append(recs, mrec)
		if err := appendUpdate(&t, models.UpdateEnrichment, m, &recs, &pending); err != nil {
			return err
		}
		trec, err := store.ThreadRecord(t)
		if err != nil {
			return err
		}
		recs = append(recs, trec)
		if err := store.ApplyBatch(recs); err != nil {
			return err
		}
		o.broadcast(pending)
		return nil
	})
	if err != nil {
		logger.Warn("enrichment_dropped", "thread", threadID, "seq", seq, "error", err)
	}
}
