package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSegmentSizeLimit = 16 << 20
	defaultFlushInterval    = 200 * time.Millisecond
	segmentPrefix           = "wal-"
	segmentSuffix           = ".log"
)

var (
	ErrLogClosed = errors.New("wal: log manager is closed")
	// ErrLogBroken is returned once a failed append could not be undone; the
	// segment tail is unknown and the log must be reopened.
	ErrLogBroken = errors.New("wal: log tail is in an unknown state")
)

// segmentFile is the part of *os.File the active segment is written through.
type segmentFile interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
	Close() error
}

// segmentInfo describes one segment file. Segments are named after the first
// LSN they hold, so LSNs stay monotonic even after older segments are removed.
type segmentInfo struct {
	path     string
	startLSN LSN
}

// LogManager manages the commit log: a directory of append-only segments.
// Appends are written to the OS immediately; Sync makes them durable. A
// background flusher syncs dirty segments periodically.
type LogManager struct {
	logDir           string
	logger           *zap.Logger
	segmentSizeLimit int64

	mu             sync.Mutex
	logFile        segmentFile // current active segment
	currentSegment segmentInfo
	currentSegSize int64
	nextLSN        LSN
	dirty          bool
	closed         bool
	broken         error
	stopChan       chan struct{}
	wg             sync.WaitGroup
}

// NewLogManager opens (or creates) the log in logDir. Existing segments are
// scanned to find the next LSN; a torn record at the tail of the newest
// segment is truncated away. segmentSizeLimit <= 0 selects the default.
func NewLogManager(logDir string, logger *zap.Logger, segmentSizeLimit int64) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if segmentSizeLimit <= 0 {
		segmentSizeLimit = DefaultSegmentSizeLimit
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	lm := &LogManager{
		logDir:           logDir,
		logger:           logger.Named("wal"),
		segmentSizeLimit: segmentSizeLimit,
		nextLSN:          1,
		stopChan:         make(chan struct{}),
	}
	if err := lm.openLatestSegment(); err != nil {
		return nil, fmt.Errorf("failed to initialize log segment: %w", err)
	}

	lm.wg.Add(1)
	go lm.flusher(defaultFlushInterval)

	lm.logger.Info("LogManager initialized",
		zap.String("dir", logDir),
		zap.String("segment", filepath.Base(lm.currentSegment.path)),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

// GetCurrentLSN returns the LSN of the last appended record, or InvalidLSN.
func (lm *LogManager) GetCurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// openLatestSegment scans existing segments, truncates a torn tail on the
// newest one, and opens it for appending.
func (lm *LogManager) openLatestSegment() error {
	segments, err := lm.listSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return lm.createSegment(1)
	}

	// Older segments must be intact; they only verify.
	for _, seg := range segments[:len(segments)-1] {
		last, _, err := scanSegment(seg, nil)
		if err != nil {
			return fmt.Errorf("segment %s: %w", filepath.Base(seg.path), err)
		}
		if last >= lm.nextLSN {
			lm.nextLSN = last + 1
		}
	}

	latest := segments[len(segments)-1]
	if latest.startLSN > lm.nextLSN {
		lm.nextLSN = latest.startLSN
	}
	last, goodSize, err := scanSegment(latest, nil)
	if errors.Is(err, errTornRecord) {
		lm.logger.Warn("Truncating torn record at log tail",
			zap.String("segment", filepath.Base(latest.path)),
			zap.Int64("offset", goodSize))
		if terr := os.Truncate(latest.path, goodSize); terr != nil {
			return fmt.Errorf("failed to truncate torn tail of %s: %w", latest.path, terr)
		}
	} else if err != nil {
		return fmt.Errorf("segment %s: %w", filepath.Base(latest.path), err)
	}
	if last >= lm.nextLSN {
		lm.nextLSN = last + 1
	}

	f, err := os.OpenFile(latest.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", latest.path, err)
	}
	lm.logFile = f
	lm.currentSegment = latest
	lm.currentSegSize = goodSize
	return nil
}

// createSegment must be called with lm.mu held (or before the manager is shared).
func (lm *LogManager) createSegment(startLSN LSN) error {
	seg := segmentInfo{path: lm.segmentPath(startLSN), startLSN: startLSN}
	f, err := os.OpenFile(seg.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log segment %s: %w", seg.path, err)
	}
	lm.logFile = f
	lm.currentSegment = seg
	lm.currentSegSize = 0
	return nil
}

func (lm *LogManager) segmentPath(startLSN LSN) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(startLSN), segmentSuffix))
}

// listSegments returns the segment files ordered by starting LSN.
func (lm *LogManager) listSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(lm.logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", lm.logDir, err)
	}
	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(lm.logDir, name), startLSN: LSN(id)})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].startLSN < segments[j].startLSN })
	return segments, nil
}

// scanSegment reads every record of a segment, calling fn for each. It
// returns the last LSN read and the byte size of the intact prefix.
func scanSegment(seg segmentInfo, fn func(*LogRecord) error) (LSN, int64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return InvalidLSN, 0, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var last LSN
	var offset int64
	for {
		lr, n, err := readFrame(reader)
		if err == io.EOF {
			return last, offset, nil
		}
		if err != nil {
			return last, offset, err
		}
		offset += int64(n)
		last = lr.LSN
		if fn != nil {
			if err := fn(lr); err != nil {
				return last, offset, err
			}
		}
	}
}

// AppendRecord assigns the next LSN to record and writes it to the active
// segment, rolling to a new segment when the size limit would be exceeded.
// The record is not durable until Sync returns.
func (lm *LogManager) AppendRecord(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.closed {
		return InvalidLSN, ErrLogClosed
	}
	if lm.broken != nil {
		return InvalidLSN, lm.broken
	}
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixNano()
	}
	record.LSN = lm.nextLSN
	frame, err := record.Serialize()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}

	if lm.currentSegSize > 0 && lm.currentSegSize+int64(len(frame)) > lm.segmentSizeLimit {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}

	n, err := lm.logFile.Write(frame)
	if err != nil {
		// A partial frame is a torn tail; drop it so later appends stay parseable.
		if n > 0 {
			if terr := lm.logFile.Truncate(lm.currentSegSize); terr != nil {
				lm.broken = fmt.Errorf("%w: segment %s: %w", ErrLogBroken, lm.currentSegment.path, terr)
				lm.logger.Error("Failed to drop partial log record; refusing further appends",
					zap.String("segment", lm.currentSegment.path),
					zap.Int64("offset", lm.currentSegSize),
					zap.Error(terr))
				return InvalidLSN, fmt.Errorf("failed to write log record: %w; %w", err, lm.broken)
			}
		}
		return InvalidLSN, fmt.Errorf("failed to write log record: %w", err)
	}
	lm.currentSegSize += int64(n)
	lm.nextLSN++
	lm.dirty = true

	lm.logger.Debug("Appended log record",
		zap.Uint64("lsn", uint64(record.LSN)),
		zap.Stringer("type", record.Type),
		zap.String("txn_id", record.TxnID.String()),
		zap.Int("targets", len(record.Targets)))
	return record.LSN, nil
}

// Sync forces every appended record to stable storage.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	return lm.syncLocked()
}

func (lm *LogManager) syncLocked() error {
	if !lm.dirty {
		return nil
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log segment %s: %w", lm.currentSegment.path, err)
	}
	lm.dirty = false
	return nil
}

// rollLogSegment seals the current segment and starts a new one at nextLSN.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.syncLocked(); err != nil {
		return err
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log segment %s: %w", lm.currentSegment.path, err)
	}
	sealed := lm.currentSegment
	if err := lm.createSegment(lm.nextLSN); err != nil {
		return err
	}
	lm.logger.Info("Rolled log segment",
		zap.String("sealed", filepath.Base(sealed.path)),
		zap.String("active", filepath.Base(lm.currentSegment.path)))
	return nil
}

// Scan calls fn for every record in LSN order. Appends block while a scan runs.
func (lm *LogManager) Scan(fn func(*LogRecord) error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	return lm.scanLocked(fn)
}

func (lm *LogManager) scanLocked(fn func(*LogRecord) error) error {
	segments, err := lm.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if _, _, err := scanSegment(seg, fn); err != nil {
			return fmt.Errorf("segment %s: %w", filepath.Base(seg.path), err)
		}
	}
	return nil
}

// Pending returns intents that have neither a Complete nor a Discard marker,
// in LSN order.
func (lm *LogManager) Pending() ([]*LogRecord, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil, ErrLogClosed
	}
	pending, _, err := lm.pendingLocked()
	return pending, err
}

// pendingLocked also reports the segment each unresolved intent lives in.
func (lm *LogManager) pendingLocked() ([]*LogRecord, map[LSN]struct{}, error) {
	segments, err := lm.listSegments()
	if err != nil {
		return nil, nil, err
	}
	open := make(map[uuid.UUID]*LogRecord)
	segmentOf := make(map[uuid.UUID]LSN)
	for _, seg := range segments {
		seg := seg
		_, _, err := scanSegment(seg, func(lr *LogRecord) error {
			switch lr.Type {
			case LogRecordTypeIntent:
				open[lr.TxnID] = lr
				segmentOf[lr.TxnID] = seg.startLSN
			case LogRecordTypeComplete, LogRecordTypeDiscard:
				delete(open, lr.TxnID)
				delete(segmentOf, lr.TxnID)
			}
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("segment %s: %w", filepath.Base(seg.path), err)
		}
	}
	pending := make([]*LogRecord, 0, len(open))
	for _, lr := range open {
		pending = append(pending, lr)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].LSN < pending[j].LSN })
	held := make(map[LSN]struct{}, len(segmentOf))
	for _, start := range segmentOf {
		held[start] = struct{}{}
	}
	return pending, held, nil
}

// Checkpoint removes the oldest sealed segments that hold no unresolved
// intent. It stops at the first segment that still does. The active segment
// is never removed. It returns the number of segments deleted.
func (lm *LogManager) Checkpoint() (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return 0, ErrLogClosed
	}
	if err := lm.syncLocked(); err != nil {
		return 0, err
	}
	_, held, err := lm.pendingLocked()
	if err != nil {
		return 0, err
	}
	segments, err := lm.listSegments()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, seg := range segments {
		if seg.startLSN >= lm.currentSegment.startLSN {
			break
		}
		if _, ok := held[seg.startLSN]; ok {
			break
		}
		if err := os.Remove(seg.path); err != nil {
			return removed, fmt.Errorf("failed to remove log segment %s: %w", seg.path, err)
		}
		removed++
	}
	if removed > 0 {
		lm.logger.Info("Checkpoint removed resolved log segments", zap.Int("removed", removed))
	}
	return removed, nil
}

// flusher periodically syncs the active segment.
func (lm *LogManager) flusher(interval time.Duration) {
	defer lm.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.mu.Lock()
			if !lm.closed {
				if err := lm.syncLocked(); err != nil {
					lm.logger.Error("Periodic log sync failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Close stops the flusher, syncs, and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.closed = true
	lm.mu.Unlock()

	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	syncErr := lm.syncLocked()
	closeErr := lm.logFile.Close()
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close log segment %s: %w", lm.currentSegment.path, closeErr)
	}
	lm.logger.Info("LogManager closed", zap.Uint64("last_lsn", uint64(lm.nextLSN-1)))
	return nil
}
