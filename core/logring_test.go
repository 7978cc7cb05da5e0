package core

import (
	"fmt"
	"testing"
)

func TestLogRingWithinCapacity(t *testing.T) {
	store := newTestStore(t)
	pid := NewID(KindContract)

	err := store.Update(func(tx *RwTx) error {
		ring := NewLogRing(tx, pid)
		lines := make([]LogLine, 5)
		for i := range lines {
			lines[i] = LogLine{Level: LevelInfo, Msg: fmt.Sprintf("%d", i)}
		}
		if err := ring.FlushLines(lines); err != nil {
			return err
		}
		total, err := ring.TotalLogLines()
		if err != nil {
			return err
		}
		if total != 5 {
			t.Fatalf("TotalLogLines = %d, want 5", total)
		}
		got, err := ring.GetFullLog()
		if err != nil {
			return err
		}
		if len(got) != 5 || got[0].Msg != "0" || got[4].Msg != "4" {
			t.Fatalf("GetFullLog = %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

// TestLogRingOverflow fills the ring past capacity one line at a time, the
// way a long-lived program's print calls would, and checks both the
// capacity math (start advances by exactly the overflow) and that the
// oldest surviving window lands where that math says it should.
func TestLogRingOverflow(t *testing.T) {
	store := newTestStore(t)
	pid := NewID(KindContract)

	const total = 40000 // > logRingCapacity (32768)

	err := store.Update(func(tx *RwTx) error {
		ring := NewLogRing(tx, pid)
		for i := 0; i < total; i++ {
			if err := ring.FlushLines([]LogLine{{Level: LevelInfo, Msg: fmt.Sprintf("%d", i)}}); err != nil {
				return err
			}
		}

		end, err := ring.TotalLogLines()
		if err != nil {
			return err
		}
		if end != total {
			t.Fatalf("TotalLogLines = %d, want %d", end, total)
		}

		wantStart := uint64(total) - logRingCapacity // 40000 - 32768 = 7232
		if wantStart != 7232 {
			t.Fatalf("test setup error: wantStart = %d, want 7232", wantStart)
		}

		got, err := ring.GetLogLines(0, 10)
		if err != nil {
			return err
		}
		if len(got) != 10 {
			t.Fatalf("GetLogLines(0, 10) returned %d lines, want 10", len(got))
		}
		for i, line := range got {
			want := fmt.Sprintf("%d", int(wantStart)+i)
			if line.Msg != want {
				t.Fatalf("line %d = %q, want %q", i, line.Msg, want)
			}
		}
		// 7232..7241 is the documented oldest-surviving window after 40000
		// single-line flushes into a 32768-capacity ring.
		if got[0].Msg != "7232" || got[9].Msg != "7241" {
			t.Fatalf("got[0]=%q got[9]=%q, want 7232..7241", got[0].Msg, got[9].Msg)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestLogRingLastFlushIsExactlyTheLastBatch(t *testing.T) {
	store := newTestStore(t)
	pid := NewID(KindContract)

	err := store.Update(func(tx *RwTx) error {
		ring := NewLogRing(tx, pid)
		first := []LogLine{{Msg: "a"}, {Msg: "b"}, {Msg: "c"}}
		if err := ring.FlushLines(first); err != nil {
			return err
		}
		second := []LogLine{{Msg: "d"}, {Msg: "e"}}
		if err := ring.FlushLines(second); err != nil {
			return err
		}
		last, err := ring.LastFlush()
		if err != nil {
			return err
		}
		if len(last) != 2 || last[0].Msg != "d" || last[1].Msg != "e" {
			t.Fatalf("LastFlush = %+v, want [d e]", last)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestLogRingGetLogsPaginatedRejectsZeroPerPage(t *testing.T) {
	store := newTestStore(t)
	pid := NewID(KindContract)

	err := store.Update(func(tx *RwTx) error {
		ring := NewLogRing(tx, pid)
		_, _, err := ring.GetLogsPaginated(0, 0)
		if err == nil {
			t.Fatal("expected an error for per_page = 0")
		}
		if kind, ok := KindOf(err); !ok || kind != KindActionValidation {
			t.Fatalf("got kind %v, want KindActionValidation", kind)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}
