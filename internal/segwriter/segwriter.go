// Package segwriter is the out-of-scope archival collaborator from
// spec.md §6.4/SPEC_FULL.md §4.9: it subscribes to the Broadcaster exactly
// like a StreamSession would and dumps the raw live byte stream to rolling
// files, with a retention sweeper. It makes no attempt to cut files on a
// container boundary; the files are an archival byte dump, not a decodable
// media file by themselves. Grounded on the teacher's dvr.go segment-roll
// loop (nextBoundary, segmentDur) and retention pattern.
package segwriter

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"tinycam/internal/broadcast"
)

// Writer subscribes to a Broadcaster and rolls archival segment files under
// Dir every Duration, sweeping files older than Retention once a minute.
type Writer struct {
	Dir       string
	Duration  time.Duration
	Retention time.Duration

	bc    *broadcast.Broadcaster
	subID uint64
	recv  func() ([]byte, bool)

	cur      *os.File
	curStart time.Time
	curBytes int64
}

// New wires a Writer to bc. Dir is created if absent by Run.
func New(bc *broadcast.Broadcaster, dir string, duration, retention time.Duration) *Writer {
	if duration <= 0 {
		duration = 10 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Writer{Dir: dir, Duration: duration, Retention: retention, bc: bc}
}

// nextBoundary returns the next wall-clock roll point strictly after now,
// snapped to multiples of duration from the start of the current UTC day,
// capped at the next UTC day (mirrors the teacher's dvr.nextBoundary).
func nextBoundary(now time.Time, duration time.Duration) time.Time {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	midnight := dayStart.AddDate(0, 0, 1)
	elapsed := now.Sub(dayStart)
	next := dayStart.Add(((elapsed / duration) + 1) * duration)
	if next.After(midnight) {
		return midnight
	}
	return next
}

// Run subscribes to the Broadcaster and blocks, writing chunks to rolling
// segment files, until stop is closed. It also starts the retention sweeper
// goroutine. Safe to run in its own goroutine.
func (w *Writer) Run(stop <-chan struct{}) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return fmt.Errorf("segwriter: mkdir %s: %w", w.Dir, err)
	}

	w.subID, w.recv = w.bc.Subscribe()
	defer w.bc.Unsubscribe(w.subID)

	go w.sweepLoop(stop)

	if err := w.roll(time.Now()); err != nil {
		log.Printf("segwriter: initial roll failed: %v", err)
	}

	rollTimer := time.NewTimer(time.Until(nextBoundary(time.Now(), w.Duration)))
	defer rollTimer.Stop()

	chunks := make(chan []byte)
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			chunk, ok := w.recv()
			if !ok {
				return
			}
			select {
			case chunks <- chunk:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-stop:
			w.closeCurrent()
			return nil
		case <-readErr:
			w.closeCurrent()
			return nil
		case chunk := <-chunks:
			w.write(chunk)
		case <-rollTimer.C:
			if err := w.roll(time.Now()); err != nil {
				log.Printf("segwriter: roll failed: %v", err)
			}
			rollTimer.Reset(time.Until(nextBoundary(time.Now(), w.Duration)))
		}
	}
}

func (w *Writer) write(chunk []byte) {
	if w.cur == nil {
		return
	}
	n, err := w.cur.Write(chunk)
	if err != nil {
		log.Printf("segwriter: write error: %v", err)
		return
	}
	w.curBytes += int64(n)
}

// roll closes the current segment (if any) and opens a fresh one named for
// the current UTC instant.
func (w *Writer) roll(now time.Time) error {
	w.closeCurrent()

	name := now.UTC().Format(time.RFC3339) + ".seg"
	path := filepath.Join(w.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("segwriter: create %s: %w", path, err)
	}
	w.cur = f
	w.curStart = now
	w.curBytes = 0
	return nil
}

func (w *Writer) closeCurrent() {
	if w.cur == nil {
		return
	}
	log.Printf("segwriter: closing segment started %s (%s written)", w.curStart.Format(time.RFC3339), humanize.Bytes(uint64(w.curBytes)))
	w.cur.Close()
	w.cur = nil
}

// sweepLoop deletes segment files older than Retention once a minute.
func (w *Writer) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.sweepOnce(time.Now())
		}
	}
}

func (w *Writer) sweepOnce(now time.Time) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		log.Printf("segwriter: sweep readdir: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > w.Retention {
			path := filepath.Join(w.Dir, e.Name())
			if err := os.Remove(path); err != nil {
				log.Printf("segwriter: sweep remove %s: %v", path, err)
			}
		}
	}
}
