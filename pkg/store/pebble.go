package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"

	"guesthub/pkg/logger"
	"guesthub/pkg/models"
)

// Key layout:
//
//	guest:<id>                      Guest JSON
//	binding:<channel>:<identity>    guest id
//	thread:<id>:meta                Thread JSON
//	thread:<id>:msg:<seq20>         Message JSON (sorted by sequence)
//	open:<guestID>:<channel>        open thread id (one per guest+channel)
//	timer:<threadID>:<kind>         SLATimer JSON
//	update:<threadID>:<seq20>       fan-out Update JSON (gap-replay log)
//	dedup:<channel>:<providerMsgID> ingress receipt ns
//	archive:thread:<id>             archived Thread JSON (retention)

var db *pebble.DB

var dbPath string

// ErrNotFound is returned for missing records.
var ErrNotFound = pebble.ErrNotFound

// Open opens (or creates) the Pebble database at path and keeps a global
// handle for this package.
func Open(path string) error {
	var err error
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool { return db != nil }

func notOpen() error { return fmt.Errorf("pebble not opened; call store.Open first") }

// Record is one pending key write (or delete) inside an atomic batch.
type Record struct {
	Key    string
	Value  []byte
	Delete bool
}

// ApplyBatch writes all records atomically with a synced batch. Every state
// transition is applied through here so it is durable before the triggering
// event is acknowledged.
func ApplyBatch(recs []Record) error {
	if db == nil {
		return notOpen()
	}
	b := db.NewBatch()
	defer b.Close()
	for _, r := range recs {
		if r.Delete {
			if err := b.Delete([]byte(r.Key), nil); err != nil {
				return err
			}
			continue
		}
		if err := b.Set([]byte(r.Key), r.Value, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("apply_batch_failed", "records", len(recs), "error", err)
		return err
	}
	return nil
}

func marshalRecord(key string, v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s: %w", key, err)
	}
	return Record{Key: key, Value: b}, nil
}

func seq20(n uint64) string { return fmt.Sprintf("%020d", n) }

// --- record builders ---

func GuestKey(id string) string { return "guest:" + id }

func GuestRecord(g models.Guest) (Record, error) {
	return marshalRecord(GuestKey(g.ID), g)
}

func BindingKey(ch models.Channel, identity string) string {
	return "binding:" + string(ch) + ":" + identity
}

func BindingRecord(ch models.Channel, identity, guestID string) Record {
	return Record{Key: BindingKey(ch, identity), Value: []byte(guestID)}
}

func ThreadKey(id string) string { return "thread:" + id + ":meta" }

func ThreadRecord(t models.Thread) (Record, error) {
	return marshalRecord(ThreadKey(t.ID), t)
}

func MessageKey(threadID string, seq uint64) string {
	return "thread:" + threadID + ":msg:" + seq20(seq)
}

func MessageRecord(m models.Message) (Record, error) {
	return marshalRecord(MessageKey(m.Thread, m.Seq), m)
}

func OpenThreadKey(guestID string, ch models.Channel) string {
	return "open:" + guestID + ":" + string(ch)
}

func OpenThreadRecord(guestID string, ch models.Channel, threadID string) Record {
	return Record{Key: OpenThreadKey(guestID, ch), Value: []byte(threadID)}
}

func ClearOpenThreadRecord(guestID string, ch models.Channel) Record {
	return Record{Key: OpenThreadKey(guestID, ch), Delete: true}
}

func TimerKey(threadID string, kind models.TimerKind) string {
	return "timer:" + threadID + ":" + string(kind)
}

func TimerRecord(t models.SLATimer) (Record, error) {
	return marshalRecord(TimerKey(t.Thread, t.Kind), t)
}

func UpdateKey(threadID string, seq uint64) string {
	return "update:" + threadID + ":" + seq20(seq)
}

func UpdateRecord(u models.Update) (Record, error) {
	return marshalRecord(UpdateKey(u.Thread, u.Seq), u)
}

func DedupKey(ch models.Channel, providerMsgID string) string {
	return "dedup:" + string(ch) + ":" + providerMsgID
}

func DedupRecord(ch models.Channel, providerMsgID string, receivedTS int64) Record {
	return Record{Key: DedupKey(ch, providerMsgID), Value: []byte(strconv.FormatInt(receivedTS, 10))}
}

// --- reads ---

func getJSON(key string, out any) error {
	if db == nil {
		return notOpen()
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(v, out)
}

func GetGuest(id string) (models.Guest, error) {
	var g models.Guest
	err := getJSON(GuestKey(id), &g)
	return g, err
}

// GetGuestByBinding resolves a channel identity to its bound guest.
func GetGuestByBinding(ch models.Channel, identity string) (models.Guest, error) {
	if db == nil {
		return models.Guest{}, notOpen()
	}
	v, closer, err := db.Get([]byte(BindingKey(ch, identity)))
	if err != nil {
		return models.Guest{}, err
	}
	id := string(v)
	closer.Close()
	return GetGuest(id)
}

func GetThread(id string) (models.Thread, error) {
	var t models.Thread
	err := getJSON(ThreadKey(id), &t)
	return t, err
}

// OpenThreadID returns the id of the guest's open thread on a channel, or
// ErrNotFound when none is open.
func OpenThreadID(guestID string, ch models.Channel) (string, error) {
	if db == nil {
		return "", notOpen()
	}
	v, closer, err := db.Get([]byte(OpenThreadKey(guestID, ch)))
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

func GetMessage(threadID string, seq uint64) (models.Message, error) {
	var m models.Message
	err := getJSON(MessageKey(threadID, seq), &m)
	return m, err
}

// ListMessages returns a thread's messages with sequence > since, capped at
// limit when limit > 0, in sequence order.
func ListMessages(threadID string, since uint64, limit int) ([]models.Message, error) {
	if db == nil {
		return nil, notOpen()
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	start := []byte("thread:" + threadID + ":msg:" + seq20(since+1))
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message at %s: %w", iter.Key(), err)
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

func GetTimer(threadID string, kind models.TimerKind) (models.SLATimer, error) {
	var t models.SLATimer
	err := getJSON(TimerKey(threadID, kind), &t)
	return t, err
}

// ActiveTimers returns all timers currently in ACTIVE state. The SLA sweep
// scans this independent of message traffic.
func ActiveTimers() ([]models.SLATimer, error) {
	if db == nil {
		return nil, notOpen()
	}
	prefix := []byte("timer:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.SLATimer
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var t models.SLATimer
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		if t.State == models.TimerActive {
			out = append(out, t)
		}
	}
	return out, iter.Error()
}

// ListUpdates returns persisted fan-out updates for a thread with sequence
// > since. Reconnecting console sessions replay gaps from here.
func ListUpdates(threadID string, since uint64, limit int) ([]models.Update, error) {
	if db == nil {
		return nil, notOpen()
	}
	prefix := []byte("update:" + threadID + ":")
	start := []byte("update:" + threadID + ":" + seq20(since+1))
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Update
	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var u models.Update
		if err := json.Unmarshal(iter.Value(), &u); err != nil {
			return nil, fmt.Errorf("invalid update at %s: %w", iter.Key(), err)
		}
		out = append(out, u)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// SeenDedup reports whether a (channel, provider msg id) pair was already
// ingested. Checked on replay after a crash as well as live.
func SeenDedup(ch models.Channel, providerMsgID string) (bool, error) {
	if db == nil {
		return false, notOpen()
	}
	_, closer, err := db.Get([]byte(DedupKey(ch, providerMsgID)))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// ListThreads returns thread metadata, filtered by status when status is
// non-empty.
func ListThreads(status models.ThreadStatus) ([]models.Thread, error) {
	if db == nil {
		return nil, notOpen()
	}
	prefix := []byte("thread:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var t models.Thread
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, iter.Error()
}

// --- retention ---

// PurgeDedupBefore removes dedup keys whose receipt time is older than
// cutoff (ns). Returns the number purged.
func PurgeDedupBefore(cutoff int64) (int, error) {
	if db == nil {
		return 0, notOpen()
	}
	prefix := []byte("dedup:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	var stale [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		ts, perr := strconv.ParseInt(string(iter.Value()), 10, 64)
		if perr == nil && ts < cutoff {
			stale = append(stale, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	b := db.NewBatch()
	defer b.Close()
	for _, k := range stale {
		_ = b.Delete(k, nil)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// ArchiveClosedThreads moves CLOSED threads older than cutoff (ns) under
// the archive namespace and drops their fan-out update logs. Messages stay
// in place as the conversational record.
func ArchiveClosedThreads(cutoff int64) (int, error) {
	closed, err := ListThreads(models.ThreadClosed)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, t := range closed {
		if t.ClosedTS == 0 || t.ClosedTS >= cutoff {
			continue
		}
		recs := []Record{
			{Key: "archive:thread:" + t.ID, Value: mustJSON(t)},
			{Key: ThreadKey(t.ID), Delete: true},
		}
		ups, err := ListUpdates(t.ID, 0, 0)
		if err != nil {
			return archived, err
		}
		for _, u := range ups {
			recs = append(recs, Record{Key: UpdateKey(t.ID, u.Seq), Delete: true})
		}
		if err := ApplyBatch(recs); err != nil {
			return archived, err
		}
		archived++
		logger.AuditEvent("thread_archived", "thread", t.ID, "closed_ts", t.ClosedTS)
	}
	return archived, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// GetSysMeta reads a value from the system metadata namespace.
func GetSysMeta(name string) (string, error) {
	if db == nil {
		return "", notOpen()
	}
	v, closer, err := db.Get([]byte("system:" + name))
	if err != nil {
		return "", err
	}
	out := string(v)
	_ = closer.Close()
	return out, nil
}

// SysMetaRecord stages a write to the system metadata namespace.
func SysMetaRecord(name, value string) Record {
	return Record{Key: "system:" + name, Value: []byte(value)}
}

// DiskUsage returns the best-effort on-disk size of the database.
func DiskUsage() uint64 {
	if db == nil {
		return 0
	}
	m := db.Metrics()
	if m == nil {
		return 0
	}
	return m.DiskSpaceUsage()
}
