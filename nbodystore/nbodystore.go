// Package nbodystore persists simulation output: completed frames go to an
// sqlite database through a single writer, and full simulator state can be
// checkpointed to a gob file for later resumption.
package nbodystore

import (
	"database/sql"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RobertOsvathCSUBB/n-body-problem-simulations/distributednbody"
)

const schema = `
CREATE TABLE IF NOT EXISTS frames (
	step	INTEGER,
	time	REAL,
	id		INTEGER, -- body index
	x		REAL,
	y		REAL,
	mass	REAL);
CREATE INDEX IF NOT EXISTS idx_step ON frames (step, id);
`

const insertFrame = `INSERT INTO frames VALUES (?, ?, ?, ?, ?, ?);`
const queryFrame = `SELECT time, id, x, y, mass FROM frames WHERE step = ? ORDER BY id ASC;`

// Recorder writes simulation frames to an sqlite database. It implements
// distributednbody.FrameObserver: OnFrame enqueues onto a buffered channel
// and never blocks the simulation loop; frames arriving while the queue is
// full are dropped and counted. sqlite allows only one writer at a time, so
// a single goroutine drains the queue.
type Recorder struct {
	db      *sql.DB
	jobs    chan distributednbody.Frame
	wg      sync.WaitGroup
	dropped atomic.Int64

	mu       sync.Mutex
	writeErr error
	closed   bool
}

// Open opens (or creates) the database in filename and starts the writer.
func Open(filename string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", "file:"+filename+"?_journal_mode=OFF&_synchronous=OFF")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	r := &Recorder{
		db:   db,
		jobs: make(chan distributednbody.Frame, 64),
	}
	r.wg.Add(1)
	go r.writer()
	return r, nil
}

// OnFrame enqueues a frame for persistence. It never blocks; if the writer
// cannot keep up the frame is dropped.
func (r *Recorder) OnFrame(frame distributednbody.Frame) {
	select {
	case r.jobs <- frame:
	default:
		r.dropped.Add(1)
	}
}

// DroppedFrames returns how many frames were discarded because the write
// queue was full.
func (r *Recorder) DroppedFrames() int64 {
	return r.dropped.Load()
}

func (r *Recorder) writer() {
	defer r.wg.Done()

	stmt, err := r.db.Prepare(insertFrame)
	if err != nil {
		r.setWriteErr(err)
		for range r.jobs {
		}
		return
	}
	defer stmt.Close()

	for frame := range r.jobs {
		if err := r.writeFrame(stmt, frame); err != nil {
			r.setWriteErr(err)
		}
	}
}

func (r *Recorder) writeFrame(stmt *sql.Stmt, frame distributednbody.Frame) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	txStmt := tx.Stmt(stmt)
	defer txStmt.Close()

	for id, pos := range frame.Positions {
		_, err = txStmt.Exec(frame.Step, frame.Time, id, pos.X(), pos.Y(), frame.Masses[id])
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) setWriteErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr == nil {
		r.writeErr = err
	}
}

// LoadFrame reads one recorded frame back from the database.
func (r *Recorder) LoadFrame(step int) (distributednbody.Frame, error) {
	frame := distributednbody.Frame{Step: step}

	rows, err := r.db.Query(queryFrame, step)
	if err != nil {
		return frame, err
	}
	defer rows.Close()

	for rows.Next() {
		var t, x, y, mass float64
		var id int
		if err := rows.Scan(&t, &id, &x, &y, &mass); err != nil {
			return frame, err
		}
		frame.Time = t
		frame.Positions = append(frame.Positions, mgl64.Vec2{x, y})
		frame.Masses = append(frame.Masses, mass)
	}
	if err := rows.Err(); err != nil {
		return frame, err
	}
	if len(frame.Positions) == 0 {
		return frame, fmt.Errorf("no frame recorded for step %d", step)
	}
	return frame, nil
}

// Close flushes pending frames, closes the database and reports the first
// write error, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.jobs)
	r.wg.Wait()

	dbErr := r.db.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	return dbErr
}

// SaveCheckpoint writes a simulator checkpoint to filename as a gob stream.
// The file is removed again if encoding fails partway.
func SaveCheckpoint(filename string, cp distributednbody.Checkpoint) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(cp); err != nil {
		os.Remove(filename)
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores a checkpoint previously written by SaveCheckpoint.
func LoadCheckpoint(filename string) (distributednbody.Checkpoint, error) {
	var cp distributednbody.Checkpoint

	file, err := os.Open(filename)
	if err != nil {
		return cp, err
	}
	defer file.Close()

	if err := gob.NewDecoder(file).Decode(&cp); err != nil {
		return cp, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}
