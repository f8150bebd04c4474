package wal

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/core/errors"
	"github.com/charlpcronje/FXD-sub007/internal/shared/observability"
)

// RecoveryMode selects how replay reacts to a damaged log.
type RecoveryMode string

const (
	// RecoverFailFast aborts at the first checksum failure or sequence
	// gap and surfaces a CORRUPTION error with the report attached. This
	// is the default: damage is reported, never silently discarded.
	RecoverFailFast RecoveryMode = "fail_fast"
	// RecoverBestEffort stops at the last verified-good record and
	// continues without error. Must be opted into.
	RecoverBestEffort RecoveryMode = "best_effort"
)

// RecoveryReport describes what replay found. LastGoodSeq is the highest
// sequence whose record passed verification; on corruption, Segment and
// Offset locate the first bad byte range.
type RecoveryReport struct {
	Time        time.Time
	LastGoodSeq uint64
	Records     int
	Segments    int
	TornTail    bool
	Corrupted   bool
	Segment     string
	Offset      int64
	Reason      string
}

// Replay scans the log directory forward and hands every verified record
// with sequence strictly greater than afterSeq to apply, in order. A torn
// final record in the final segment is the expected artifact of a crash
// mid-append: it was never acknowledged, so it is dropped and flagged in
// the report rather than treated as corruption.
func Replay(dir string, afterSeq uint64, mode RecoveryMode, apply func(Record) error) (*RecoveryReport, error) {
	report := &RecoveryReport{Time: time.Now().UTC(), LastGoodSeq: afterSeq}

	firsts, err := listSegments(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, errors.Wrap(err, errors.CodeDurability, "list wal segments")
	}
	report.Segments = len(firsts)

	expected := afterSeq + 1
	for i, first := range firsts {
		last := i == len(firsts)-1
		if first != expected {
			if first > expected {
				report.Corrupted = true
				report.Segment = segmentName(first)
				report.Reason = "sequence gap between segments"
				return finishReplay(report, mode)
			}
			// Segment predates afterSeq (not yet truncated); records at
			// or below afterSeq are verified but not applied.
			expected = first
		}

		corrupt, err := replaySegment(dir, first, last, afterSeq, &expected, report, apply)
		if err != nil {
			return report, err
		}
		if corrupt {
			return finishReplay(report, mode)
		}
	}

	slog.Info("wal replay complete",
		"records", report.Records, "lastSeq", report.LastGoodSeq,
		"segments", report.Segments, "tornTail", report.TornTail)
	return report, nil
}

// replaySegment reads one segment. It returns corrupt=true when the
// segment is damaged; apply errors are returned as-is.
func replaySegment(dir string, first uint64, last bool, afterSeq uint64, expected *uint64, report *RecoveryReport, apply func(Record) error) (bool, error) {
	path := filepath.Join(dir, segmentName(first))
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDurability, "open wal segment")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		rec, err := readRecord(r)
		switch {
		case err == io.EOF:
			return false, nil
		case err == io.ErrUnexpectedEOF:
			if last {
				report.TornTail = true
				report.Segment = segmentName(first)
				report.Offset = offset
				slog.Warn("wal tail record torn, dropping unacknowledged write",
					"segment", report.Segment, "offset", offset)
				return false, nil
			}
			report.Corrupted = true
			report.Segment = segmentName(first)
			report.Offset = offset
			report.Reason = "record truncated inside a non-final segment"
			return true, nil
		case err != nil:
			report.Corrupted = true
			report.Segment = segmentName(first)
			report.Offset = offset
			report.Reason = err.Error()
			return true, nil
		}

		if rec.Seq != *expected {
			report.Corrupted = true
			report.Segment = segmentName(first)
			report.Offset = offset
			report.Reason = fmt.Sprintf("sequence gap: expected %d, found %d", *expected, rec.Seq)
			return true, nil
		}
		*expected = rec.Seq + 1
		report.LastGoodSeq = rec.Seq
		offset += int64(rec.encodedSize())

		if rec.Seq <= afterSeq {
			continue
		}
		if apply != nil {
			if err := apply(rec); err != nil {
				return false, err
			}
		}
		report.Records++
		observability.WALReplayedRecordsTotal.Inc()
	}
}

// TruncateTorn removes the unacknowledged bytes of a torn tail record
// located by Replay. Without this the torn segment stops being the final
// one once a new segment is written, and the leftover bytes would read as
// mid-log corruption on the following replay.
func TruncateTorn(dir string, report *RecoveryReport) error {
	if report == nil || !report.TornTail || report.Segment == "" {
		return nil
	}
	path := filepath.Join(dir, report.Segment)
	if err := os.Truncate(path, report.Offset); err != nil {
		return errors.Wrap(err, errors.CodeDurability, "truncate torn wal tail")
	}
	slog.Info("wal torn tail truncated", "segment", report.Segment, "offset", report.Offset)
	return nil
}

func finishReplay(report *RecoveryReport, mode RecoveryMode) (*RecoveryReport, error) {
	if mode == RecoverBestEffort {
		slog.Warn("wal corruption, continuing in best-effort mode",
			"lastGoodSeq", report.LastGoodSeq, "segment", report.Segment,
			"offset", report.Offset, "reason", report.Reason)
		return report, nil
	}
	return report, errors.Newf(errors.CodeCorruption,
		"wal corrupted at %s offset %d (%s); last good sequence %d",
		report.Segment, report.Offset, report.Reason, report.LastGoodSeq)
}
