package core

import (
	"encoding/json"
	"time"
)

// LogLevel mirrors the five print levels the host ABI accepts.
type LogLevel int32

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// LogLine is one ring-buffer entry.
type LogLine struct {
	Level LogLevel  `json:"level"`
	Msg   string    `json:"msg"`
	Time  time.Time `json:"time"`
}

// logRingCapacity is the fixed ring size: 32768 lines per program.
const logRingCapacity uint64 = 32 * 1024

// ringMeta is the {start,end,last_flush_start,last_flush_count} record kept
// at sub-key SubKeyReserved under BaseKeyLogs.
type ringMeta struct {
	Start           uint64 `json:"start"`
	End             uint64 `json:"end"`
	LastFlushStart  uint64 `json:"last_flush_start"`
	LastFlushCount  uint64 `json:"last_flush_count"`
}

// LogRing is a per-program fixed-capacity ring of structured log lines,
// backed by the same read-write transaction as the rest of an invocation.
type LogRing struct {
	tx  *RwTx
	pid ID
}

// NewLogRing binds a LogRing to a program id within tx.
func NewLogRing(tx *RwTx, pid ID) *LogRing { return &LogRing{tx: tx, pid: pid} }

func (r *LogRing) metaKey() StorageKey { return SystemKey(r.pid, BaseKeyLogs, SubKeyReserved) }

func (r *LogRing) lineKey(index uint64) StorageKey {
	return SystemKey(r.pid, BaseKeyLogs, index%logRingCapacity)
}

func (r *LogRing) readMeta() (ringMeta, error) {
	raw, err := r.tx.Get(SubDBContract, r.metaKey().Bytes())
	if err != nil {
		return ringMeta{}, Wrapf(KindStorage, "LogRing.readMeta", err)
	}
	if raw == nil {
		return ringMeta{}, nil
	}
	var m ringMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return ringMeta{}, Wrapf(KindEncoding, "LogRing.readMeta", err)
	}
	return m, nil
}

func (r *LogRing) writeMeta(m ringMeta) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return Wrapf(KindEncoding, "LogRing.writeMeta", err)
	}
	return r.tx.Put(SubDBContract, r.metaKey().Bytes(), buf)
}

// Print is the synchronous path a guest's print host-call mirrors into: it
// both buffers the line (as a one-line flush) and is intended to be mirrored
// immediately to the structured logger by the caller. It does not itself
// call out to logrus — that's LinkHostABI's job — matching print_log_line
// being a separate, synchronous path from FlushLines.
func (r *LogRing) Print(msg string, level LogLevel) error {
	return r.FlushLines([]LogLine{{Level: level, Msg: msg, Time: time.Now()}})
}

// FlushLines appends a batch. If the batch would exceed capacity it advances
// start by exactly the overflow so the newest batch always fits in full.
func (r *LogRing) FlushLines(lines []LogLine) error {
	meta, err := r.readMeta()
	if err != nil {
		return err
	}
	newCount := uint64(len(lines))
	current := meta.End - meta.Start
	if current+newCount > logRingCapacity {
		drop := current + newCount - logRingCapacity
		meta.Start += drop
	}
	meta.LastFlushStart = meta.End
	meta.LastFlushCount = newCount

	for i, line := range lines {
		key := r.lineKey(meta.End + uint64(i))
		buf, err := json.Marshal(line)
		if err != nil {
			return Wrapf(KindEncoding, "LogRing.FlushLines", err)
		}
		if err := r.tx.Put(SubDBContract, key.Bytes(), buf); err != nil {
			return err
		}
	}
	meta.End += newCount
	return r.writeMeta(meta)
}

func (r *LogRing) readAt(i uint64) (LogLine, bool, error) {
	raw, err := r.tx.Get(SubDBContract, r.lineKey(i).Bytes())
	if err != nil {
		return LogLine{}, false, Wrapf(KindStorage, "LogRing.readAt", err)
	}
	if raw == nil {
		return LogLine{}, false, nil
	}
	var line LogLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return LogLine{}, false, Wrapf(KindEncoding, "LogRing.readAt", err)
	}
	return line, true, nil
}

// GetLogLines returns up to count lines starting startOffset lines from the
// oldest surviving entry, in chronological order.
func (r *LogRing) GetLogLines(startOffset, count uint64) ([]LogLine, error) {
	meta, err := r.readMeta()
	if err != nil {
		return nil, err
	}
	total := meta.End - meta.Start
	if startOffset >= total {
		return nil, nil
	}
	rangeStart := meta.Start + startOffset
	rangeEnd := rangeStart + count
	if rangeEnd > meta.End {
		rangeEnd = meta.End
	}
	var out []LogLine
	for i := rangeStart; i < rangeEnd; i++ {
		line, ok, err := r.readAt(i)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, line)
		}
	}
	return out, nil
}

// GetFullLog returns every line currently in the ring.
func (r *LogRing) GetFullLog() ([]LogLine, error) { return r.GetLogLines(0, logRingCapacity) }

// LastFlush returns exactly the lines written by the most recent FlushLines
// call.
func (r *LogRing) LastFlush() ([]LogLine, error) {
	meta, err := r.readMeta()
	if err != nil {
		return nil, err
	}
	var out []LogLine
	for i := meta.LastFlushStart; i < meta.LastFlushStart+meta.LastFlushCount; i++ {
		line, ok, err := r.readAt(i)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, line)
		}
	}
	return out, nil
}

// TotalLogLines returns end: the absolute count ever flushed, monotone even
// after overwrite.
func (r *LogRing) TotalLogLines() (uint64, error) {
	meta, err := r.readMeta()
	if err != nil {
		return 0, err
	}
	return meta.End, nil
}

// GetLogsPaginated returns one page of lines plus the total page count.
func (r *LogRing) GetLogsPaginated(page, perPage uint64) ([]LogLine, uint64, error) {
	if perPage == 0 {
		return nil, 0, Errf(KindActionValidation, "LogRing.GetLogsPaginated", "per_page must be > 0")
	}
	meta, err := r.readMeta()
	if err != nil {
		return nil, 0, err
	}
	total := meta.End - meta.Start
	var totalPages uint64
	if total > 0 {
		totalPages = (total + perPage - 1) / perPage
	}
	pageStart := meta.Start + page*perPage
	if pageStart >= meta.End {
		return nil, totalPages, nil
	}
	pageEnd := meta.Start + (page+1)*perPage
	if pageEnd > meta.End {
		pageEnd = meta.End
	}
	var out []LogLine
	for i := pageStart; i < pageEnd; i++ {
		line, ok, err := r.readAt(i)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			out = append(out, line)
		}
	}
	return out, totalPages, nil
}
