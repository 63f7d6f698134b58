package outbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// Outbox defaults.
const (
	// DefaultMaxBytesPerDay caps one day's partition file.
	DefaultMaxBytesPerDay int64 = 100 << 20

	// DefaultRetentionDays is how many whole days of partitions are kept
	// before the current day.
	DefaultRetentionDays = 7

	// dirPermissions is the permission mode for the outbox directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for partition files.
	filePermissions = 0600

	// retryErrorTag is stamped on records that failed a redelivery attempt.
	retryErrorTag = "retry_failed"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Outbox is a crash-durable, at-least-once holding area for payloads that
// could not be delivered synchronously.
//
// Records are appended as JSON lines to one partition file per UTC day.
// DrainOnce compacts partitions by rewriting them through a temp file that
// is renamed over the original.
//
// Thread Safety:
//   - File mutations (Initialize, Enqueue, Clear, retention purge and the
//     read and apply phases of DrainOnce) are serialised by an internal
//     mutex. The mutex is not held while DrainOnce publishes.
//   - DrainOnce passes are serialised by a second mutex.
//   - Size and Stats read atomic counters and never take the lock.
type Outbox struct {
	dir            string
	maxBytesPerDay int64
	retentionDays  int
	now            func() time.Time
	logger         Logger

	mu         sync.Mutex
	drainMu    sync.Mutex
	generation uint64

	size           atomic.Int64
	dropped        atomic.Int64
	decodeFailures atomic.Int64
	purged         atomic.Int64
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithMaxBytesPerDay sets the per-day partition byte cap.
func WithMaxBytesPerDay(n int64) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.maxBytesPerDay = n
		}
	}
}

// WithRetentionDays sets the retention window in days.
func WithRetentionDays(days int) Option {
	return func(o *Outbox) {
		if days > 0 {
			o.retentionDays = days
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger for drops and purges.
func WithLogger(l Logger) Option {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an outbox rooted at dir. Call Initialize before use so the
// size counter reflects records left by a previous run.
func New(dir string, opts ...Option) (*Outbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ErrInvalidDir
	}
	o := &Outbox{
		dir:            dir,
		maxBytesPerDay: DefaultMaxBytesPerDay,
		retentionDays:  DefaultRetentionDays,
		now:            time.Now,
		logger:         nopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Dir returns the outbox directory.
func (o *Outbox) Dir() string {
	return o.dir
}

// Initialize prepares the directory and rebuilds the size counter by
// scanning every partition. Leftover temp files from an interrupted
// compaction are removed; the original partition is still intact.
func (o *Outbox) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(o.dir, dirPermissions); err != nil {
		return fmt.Errorf("creating outbox directory: %w", err)
	}

	stale, err := filepath.Glob(filepath.Join(o.dir, partitionPrefix+"*"+partitionSuffix+tempSuffix))
	if err != nil {
		return fmt.Errorf("listing temp files: %w", err)
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale temp file: %w", err)
		}
	}

	paths, err := listPartitions(o.dir)
	if err != nil {
		return err
	}
	total := 0
	for _, p := range paths {
		n, err := countLines(p)
		if err != nil {
			return err
		}
		total += n
	}
	o.size.Store(int64(total))

	return o.purgeExpiredLocked()
}

// Enqueue appends one record for payload with the given pending targets.
//
// It returns false without error when pending is empty or when today's
// partition has reached its byte cap (the payload is dropped and counted).
// An error is returned only when the disk cannot be written.
func (o *Outbox) Enqueue(payload telemetry.Payload, pending telemetry.TargetSet, errTag string) (bool, error) {
	if pending.Len() == 0 {
		return false, nil
	}
	if payload.IsZero() {
		return false, ErrEmptyPayload
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.purgeExpiredLocked(); err != nil {
		o.logger.Warn("outbox retention purge failed", "error", err)
	}

	now := o.now()
	day := dayID(now)
	path := filepath.Join(o.dir, partitionName(day))

	current, err := fileSize(path)
	if err != nil {
		return false, fmt.Errorf("checking partition size: %w", err)
	}
	if current >= o.maxBytesPerDay {
		o.dropped.Add(1)
		o.logger.Warn("outbox write skipped",
			"error", ErrQueueFull,
			"day", day,
			"seq", payload.Sequence,
			"dropped_total", o.dropped.Load(),
		)
		return false, nil
	}

	line, err := json.Marshal(QueuedMessage{
		CreatedAtUTC: now.UTC().UnixMilli(),
		Sequence:     payload.Sequence,
		Payload:      json.RawMessage(payload.Bytes()),
		Targets:      pending.Labels(),
		Attempts:     0,
		LastError:    errTag,
	})
	if err != nil {
		return false, fmt.Errorf("encoding outbox record: %w", err)
	}

	if err := os.MkdirAll(o.dir, dirPermissions); err != nil {
		return false, fmt.Errorf("creating outbox directory: %w", err)
	}
	if err := appendLine(path, line); err != nil {
		return false, err
	}

	o.size.Add(1)
	return true, nil
}

// appendLine appends line plus a newline to path and syncs it.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermissions)
	if err != nil {
		return fmt.Errorf("opening partition: %w", err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("appending record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("syncing partition: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing partition: %w", err)
	}
	return nil
}

// DrainOnce attempts redelivery of up to batchLimit records, oldest
// partition first.
//
// A pass has three phases. The batch is read under the lock, published
// without it, and then applied under the lock again, so Enqueue never waits
// on a slow target. Applying rewrites each touched partition through a temp
// file: delivered records are dropped, partially delivered ones are
// rewritten with the remaining targets and an incremented attempt count,
// and everything else is copied through unchanged. A partition that ends up
// empty is deleted. If ctx is cancelled mid-pass, the unpublished rest of
// the batch is copied through.
//
// Only one DrainOnce runs at a time. A Clear during the publish phase
// discards the pass's results.
func (o *Outbox) DrainOnce(ctx context.Context, batchLimit int, publish PublishFunc) (DrainOutcome, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	var out DrainOutcome
	batch, gen, err := o.readBatch(batchLimit)
	if err != nil || len(batch) == 0 {
		out.Remaining = o.Size()
		return out, err
	}

	for _, part := range batch {
		for i := range part.lines {
			line := &part.lines[i]
			if !line.due {
				continue
			}
			if ctx.Err() != nil {
				line.due = false
				continue
			}
			out.Attempted++
			line.results = publish(ctx, line.msg)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.generation != gen {
		o.logger.Info("outbox cleared during drain, discarding pass", "attempted", out.Attempted)
		out.Remaining = o.Size()
		return out, nil
	}
	for _, part := range batch {
		res, err := o.applyLocked(part)
		out.Processed += res.Processed
		out.Delivered += res.Delivered
		if err != nil {
			out.Remaining = o.Size()
			return out, err
		}
	}

	out.Remaining = o.Size()
	return out, nil
}

// drainPart is the leading run of one partition read for a drain pass.
type drainPart struct {
	path  string
	lines []drainLine
}

// drainLine is one record from a partition's leading run.
type drainLine struct {
	raw       []byte
	msg       QueuedMessage
	decodeErr error
	drop      bool
	due       bool
	results   map[string]bool
}

// errBatchFull stops a partition scan once the batch budget is spent.
var errBatchFull = errors.New("batch full")

// readBatch collects up to limit publishable records and the clear
// generation they were read under.
func (o *Outbox) readBatch(limit int) ([]*drainPart, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.purgeExpiredLocked(); err != nil {
		o.logger.Warn("outbox retention purge failed", "error", err)
	}
	if o.size.Load() == 0 || limit <= 0 {
		return nil, o.generation, nil
	}

	paths, err := listPartitions(o.dir)
	if err != nil {
		return nil, o.generation, err
	}

	var batch []*drainPart
	due := 0
	for _, path := range paths {
		if due >= limit {
			break
		}
		part, n, err := readPart(path, limit-due)
		if err != nil {
			return nil, o.generation, err
		}
		if part != nil {
			batch = append(batch, part)
			due += n
		}
	}
	return batch, o.generation, nil
}

// readPart reads the leading lines of path until budget records are due.
// Records that cannot be decoded, or have no pending targets, are marked
// for removal.
func readPart(path string, budget int) (*drainPart, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("opening partition: %w", err)
	}
	defer f.Close()

	part := &drainPart{path: path}
	due := 0
	err = forEachLine(bufio.NewReader(f), func(line []byte) error {
		if due >= budget {
			return errBatchFull
		}
		entry := drainLine{raw: append([]byte(nil), line...)}
		if entry.decodeErr = decodeRecord(line, &entry.msg); entry.decodeErr != nil {
			entry.drop = true
		} else if len(entry.msg.Targets) == 0 {
			entry.drop = true
		} else {
			entry.due = true
			due++
		}
		part.lines = append(part.lines, entry)
		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return nil, 0, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if len(part.lines) == 0 {
		return nil, 0, nil
	}
	return part, due, nil
}

// decodeRecord parses one stored line, including its payload.
func decodeRecord(line []byte, msg *QueuedMessage) error {
	if err := json.Unmarshal(line, msg); err != nil {
		return err
	}
	_, err := msg.Telemetry()
	return err
}

// applyLocked rewrites one partition with the results of a pass. The
// partition's leading lines must still match what readBatch saw, since only
// Enqueue writes to it in between and Enqueue only appends. Counter
// adjustments are applied only after the rewrite has been swapped in, so a
// failed rewrite leaves both the file and the counter unchanged.
func (o *Outbox) applyLocked(part *drainPart) (DrainOutcome, error) {
	var res DrainOutcome
	name := filepath.Base(part.path)

	src, err := os.Open(part.path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("opening partition: %w", err)
	}
	defer src.Close()

	tmpPath := part.path + tempSuffix
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
	if err != nil {
		return res, fmt.Errorf("creating temp partition: %w", err)
	}
	abort := func(cause error) (DrainOutcome, error) {
		tmp.Close()        //nolint:errcheck // Best effort cleanup on error path
		os.Remove(tmpPath) //nolint:errcheck // Best effort cleanup on error path
		return DrainOutcome{}, cause
	}

	w := bufio.NewWriter(tmp)
	removed := 0
	written := 0
	idx := 0

	err = forEachLine(bufio.NewReader(src), func(line []byte) error {
		if idx >= len(part.lines) {
			written++
			return writeLine(w, line)
		}
		entry := part.lines[idx]
		idx++
		if !bytes.Equal(entry.raw, line) {
			return errPartitionChanged
		}

		switch {
		case entry.drop:
			removed++
			if entry.decodeErr != nil {
				o.decodeFailures.Add(1)
				o.logger.Warn("dropping undecodable outbox record",
					"error", fmt.Errorf("%w: %w", ErrDecode, entry.decodeErr),
					"partition", name,
				)
			}
			return nil
		case !entry.due:
			written++
			return writeLine(w, line)
		}

		msg := entry.msg
		pending := msg.TargetSet()
		remaining := pending.Pending(entry.results)
		if remaining.Len() == 0 {
			res.Processed++
			res.Delivered++
			removed++
			return nil
		}
		if remaining.Len() < pending.Len() {
			res.Processed++
		}

		msg.Targets = remaining.Labels()
		msg.Attempts++
		msg.LastError = retryErrorTag
		updated, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding outbox record: %w", err)
		}
		written++
		return writeLine(w, updated)
	})
	if err == nil && idx < len(part.lines) {
		err = errPartitionChanged
	}
	if errors.Is(err, errPartitionChanged) {
		o.logger.Warn("outbox partition changed during drain, leaving it for the next pass", "partition", name)
		return abort(nil)
	}
	if err != nil {
		return abort(fmt.Errorf("rewriting %s: %w", name, err))
	}

	if err := w.Flush(); err != nil {
		return abort(fmt.Errorf("flushing temp partition: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("syncing temp partition: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // Best effort cleanup on error path
		return DrainOutcome{}, fmt.Errorf("closing temp partition: %w", err)
	}
	src.Close() //nolint:errcheck // Read-only handle, replaced below

	if written == 0 {
		os.Remove(tmpPath) //nolint:errcheck // Empty rewrite is discarded
		if err := os.Remove(part.path); err != nil && !os.IsNotExist(err) {
			return DrainOutcome{}, fmt.Errorf("removing drained partition: %w", err)
		}
	} else if err := os.Rename(tmpPath, part.path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // Best effort cleanup on error path
		return DrainOutcome{}, fmt.Errorf("replacing partition: %w", err)
	}

	o.decrement(removed)
	return res, nil
}

// errPartitionChanged reports that a partition's leading lines no longer
// match the batch read for the current pass.
var errPartitionChanged = errors.New("partition changed")

// forEachLine calls fn for every non-blank line, without a line length limit.
func forEachLine(r *bufio.Reader, fn func(line []byte) error) error {
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if ferr := fn(trimmed); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func writeLine(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// purgeExpiredLocked deletes partitions older than the retention window
// and subtracts their record counts from the size counter.
func (o *Outbox) purgeExpiredLocked() error {
	today, err := time.ParseInLocation(dayLayout, dayID(o.now()), time.UTC)
	if err != nil {
		return err
	}
	cutoff := today.AddDate(0, 0, -o.retentionDays)

	paths, err := listPartitions(o.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, p := range paths {
		day, _ := parsePartitionDay(filepath.Base(p))
		if !day.Before(cutoff) {
			continue
		}
		n, err := countLines(p)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("removing expired partition: %w", err)
		}
		o.decrement(n)
		o.purged.Add(int64(n))
		o.logger.Info("purged expired outbox partition",
			"partition", filepath.Base(p),
			"records", n,
		)
	}
	return nil
}

// decrement lowers the size counter by n, never below zero.
func (o *Outbox) decrement(n int) {
	if n <= 0 {
		return
	}
	for {
		cur := o.size.Load()
		next := cur - int64(n)
		if next < 0 {
			next = 0
		}
		if o.size.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Size returns the number of queued records. It reads an atomic counter
// maintained by Enqueue, DrainOnce and the retention purge.
func (o *Outbox) Size() int {
	return int(o.size.Load())
}

// Stats returns the current counters.
func (o *Outbox) Stats() Stats {
	return Stats{
		Size:           o.Size(),
		Dropped:        o.dropped.Load(),
		DecodeFailures: o.decodeFailures.Load(),
		Purged:         o.purged.Load(),
	}
}

// Clear deletes every partition and resets the size counter. It does not
// wait for a DrainOnce pass in its publish phase; that pass's results are
// discarded.
func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	paths, err := listPartitions(o.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			o.size.Store(0)
			return nil
		}
		return err
	}
	o.generation++
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing partition: %w", err)
		}
	}
	o.size.Store(0)
	return nil
}
