package orchestrator

import (
	"context"
	"fmt"
	"time"

	"guesthub/pkg/logger"
	"guesthub/pkg/models"
	"guesthub/pkg/store"
	"guesthub/pkg/utils"
)

// resolveGuest maps a channel identity to its Guest, creating one on first
// contact. An identity bound to an archived guest is flagged as a conflict
// and the guest is revived; the binding itself is never silently moved.
func (o *Orchestrator) resolveGuest(ev models.UnifiedEvent, recs *[]store.Record) (models.Guest, bool, error) {
	g, err := store.GetGuestByBinding(ev.Channel, ev.SenderIdentity)
	if err == nil {
		conflict := g.Archived
		g.Archived = false
		g.LastActiveTS = ev.ReceivedTS
		if g.Name == "" && ev.SenderName != "" {
			g.Name = ev.SenderName
		}
		rec, merr := store.GuestRecord(g)
		if merr != nil {
			return g, false, merr
		}
		*recs = append(*recs, rec)
		return g, conflict, nil
	}
	if err != store.ErrNotFound {
		return models.Guest{}, false, err
	}

	g = models.Guest{
		ID:           utils.GenGuestID(),
		Name:         ev.SenderName,
		Bindings:     map[models.Channel]string{ev.Channel: ev.SenderIdentity},
		CreatedTS:    ev.ReceivedTS,
		LastActiveTS: ev.ReceivedTS,
	}
	rec, merr := store.GuestRecord(g)
	if merr != nil {
		return g, false, merr
	}
	*recs = append(*recs, rec, store.BindingRecord(ev.Channel, ev.SenderIdentity, g.ID))
	logger.Info("guest_created", "guest", g.ID, "channel", ev.Channel)
	return g, false, nil
}

// Rebind moves a channel identity to a different guest. This is the
// manual resolution path for identity conflicts; the previous owner keeps
// its other bindings.
func (o *Orchestrator) Rebind(ctx context.Context, guestID string, ch models.Channel, identity string) error {
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %q", ch)
	}
	return o.bus.Do(ctx, convKey(ch, identity), func() error {
		g, err := store.GetGuest(guestID)
		if err != nil {
			return fmt.Errorf("guest %s: %w", guestID, err)
		}
		prevOwner := ""
		if prev, err := store.GetGuestByBinding(ch, identity); err == nil && prev.ID != g.ID {
			prevOwner = prev.ID
			delete(prev.Bindings, ch)
			rec, merr := store.GuestRecord(prev)
			if merr != nil {
				return merr
			}
			if err := store.ApplyBatch([]store.Record{rec}); err != nil {
				return err
			}
		}
		if g.Bindings == nil {
			g.Bindings = make(map[models.Channel]string)
		}
		g.Bindings[ch] = identity
		g.LastActiveTS = time.Now().UnixNano()
		grec, err := store.GuestRecord(g)
		if err != nil {
			return err
		}
		if err := store.ApplyBatch([]store.Record{grec, store.BindingRecord(ch, identity, g.ID)}); err != nil {
			return err
		}
		logger.AuditEvent("identity_rebound", "channel", ch, "identity", identity, "guest", g.ID, "previous", prevOwner)
		return nil
	})
}
