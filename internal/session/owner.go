package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"screenrec/internal/bus"
	"screenrec/internal/capture"
	"screenrec/internal/grant"
)

const persistTimeout = 5 * time.Second

// GrantRedeemer verifies a capture grant and marks it used.
type GrantRedeemer interface {
	Redeem(ctx context.Context, g *grant.Grant) error
}

type Options struct {
	// StopTimeout bounds how long the recorder may take to finalize.
	StopTimeout time.Duration
}

// Owner holds the one recording session for the process. It outlives any
// UI surface and is the only component that acts on STOP signals.
//
// Status moves Idle -> Starting -> Active -> Stopping -> Idle. Start fails
// fast unless Idle; Stop is safe in every state.
type Owner struct {
	factory     capture.Factory
	grants      GrantRedeemer
	store       Store
	stopTimeout time.Duration

	mu        sync.Mutex
	status    Status
	current   *Record
	recorder  capture.Recorder
	lastPath  string
	settled   chan struct{} // closed when Starting resolves
	finalized chan struct{} // closed when Stopping resolves
	onStop    func(path string)
	seq       uint64 // bumped on every transition

	// persistMu orders saves; a snapshot older than saved is dropped.
	persistMu sync.Mutex
	saved     uint64

	// Recorder start/stop run here, off the caller's goroutine.
	jobs      chan func()
	quit      chan struct{}
	closeOnce sync.Once
}

func NewOwner(factory capture.Factory, grants GrantRedeemer, store Store, opts Options) *Owner {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 15 * time.Second
	}
	o := &Owner{
		factory:     factory,
		grants:      grants,
		store:       store,
		stopTimeout: opts.StopTimeout,
		status:      StatusIdle,
		jobs:        make(chan func()),
		quit:        make(chan struct{}),
	}
	go o.worker()
	return o
}

// OnSignalStop registers fn to run after a STOP signal from the bus ended
// a recording. fn receives the finalized file path.
func (o *Owner) OnSignalStop(fn func(path string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStop = fn
}

func (o *Owner) worker() {
	for {
		select {
		case job := <-o.jobs:
			job()
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the worker and waits for it. Once the owner is closed fn
// runs on the calling goroutine instead.
func (o *Owner) do(fn func() error) error {
	result := make(chan error, 1)
	job := func() { result <- fn() }
	select {
	case o.jobs <- job:
		return <-result
	case <-o.quit:
		return fn()
	}
}

// Recover reconciles persisted state left by a previous process. A session
// that was not Idle lost its recorder with that process, so it is reset.
func (o *Owner) Recover(ctx context.Context) error {
	rec, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if rec == nil {
		return nil
	}

	o.mu.Lock()
	if o.status != StatusIdle {
		o.mu.Unlock()
		return nil
	}
	o.lastPath = rec.TargetPath
	o.mu.Unlock()

	if rec.Status == StatusIdle {
		return nil
	}

	log.Printf("SessionOwner: found orphaned %s session %s writing %s, resetting to %s",
		rec.Status, rec.ID, rec.TargetPath, StatusIdle)
	now := time.Now()
	rec.Status = StatusIdle
	rec.EndedAt = &now
	rec.UpdatedAt = now
	return o.store.Save(ctx, *rec)
}

// Start begins recording to target. It fails with ErrBusy unless the owner
// is Idle, and with a grant, storage or recorder error if setup fails; in
// every failure case the owner is back to Idle when Start returns.
func (o *Owner) Start(ctx context.Context, target string, g *grant.Grant, geometry capture.Geometry) error {
	o.mu.Lock()
	if o.status != StatusIdle {
		status := o.status
		o.mu.Unlock()
		log.Printf("SessionOwner: rejected start for %s, session is %s", target, status)
		return &unusedGrantError{fmt.Errorf("%w (status %s)", ErrBusy, status)}
	}
	now := time.Now()
	rec := &Record{
		ID:         uuid.NewString(),
		Status:     StatusStarting,
		TargetPath: target,
		Geometry:   geometry,
		UpdatedAt:  now,
	}
	if g != nil {
		rec.GrantID = g.ID
	}
	o.status = StatusStarting
	o.current = rec
	o.settled = make(chan struct{})
	snapshot, seq := *rec, o.nextSeq()
	o.mu.Unlock()

	log.Printf("SessionOwner: session %s starting (%s, %s)", rec.ID, target, geometry)
	o.persist(snapshot, seq)

	var recorder capture.Recorder
	var spent bool
	err := o.do(func() error {
		var err error
		recorder, spent, err = o.prepare(ctx, target, g, geometry)
		return err
	})
	if err != nil && !spent && g != nil {
		err = &unusedGrantError{err}
	}

	o.mu.Lock()
	settled := o.settled
	o.settled = nil
	now = time.Now()
	if err != nil {
		o.status = StatusIdle
		o.current = nil
		rec.Status = StatusIdle
		rec.EndedAt = &now
	} else {
		o.status = StatusActive
		o.recorder = recorder
		rec.Status = StatusActive
		rec.StartedAt = &now
	}
	rec.UpdatedAt = now
	snapshot, seq = *rec, o.nextSeq()
	o.mu.Unlock()
	close(settled)

	o.persist(snapshot, seq)
	if err != nil {
		log.Printf("SessionOwner: session %s failed to start: %v", rec.ID, err)
		return err
	}
	log.Printf("SessionOwner: session %s active", rec.ID)
	return nil
}

// prepare checks storage, builds the recorder, redeems g and starts
// recording. spent reports whether g was presented for redemption.
func (o *Owner) prepare(ctx context.Context, target string, g *grant.Grant, geometry capture.Geometry) (_ capture.Recorder, spent bool, _ error) {
	if target == "" {
		return nil, false, fmt.Errorf("%w: empty target path", ErrStorageUnavailable)
	}
	if err := ensureWritableDir(filepath.Dir(target)); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := os.Stat(target); err == nil {
		return nil, false, fmt.Errorf("%w: %s already exists", ErrStorageUnavailable, target)
	}

	recorder, err := o.factory.New(target, geometry)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRecorderInit, err)
	}

	if g == nil {
		return nil, false, fmt.Errorf("%w: no capture grant", grant.ErrInvalid)
	}
	if err := o.grants.Redeem(ctx, g); err != nil {
		return nil, true, err
	}

	if err := recorder.Start(ctx); err != nil {
		removePartial(target)
		return nil, true, fmt.Errorf("%w: %v", ErrRecorderInit, err)
	}
	return recorder, true, nil
}

// Stop finalizes the active recording and returns its path. When Idle it
// returns the last finished path (or "") without side effects. Calls made
// while Starting or Stopping wait for that phase to resolve. Stop always
// reaches Idle, even if the recorder fails to finalize cleanly.
func (o *Owner) Stop() string {
	path, _ := o.StopIfActive()
	return path
}

// StopIfActive behaves like Stop and also reports whether this call was the
// one that finalized the recording. Callers that announce the saved file
// should do so only when stopped is true.
func (o *Owner) StopIfActive() (path string, stopped bool) {
	for {
		o.mu.Lock()
		switch o.status {
		case StatusIdle:
			path := o.lastPath
			o.mu.Unlock()
			return path, false

		case StatusStarting:
			settled := o.settled
			o.mu.Unlock()
			<-settled

		case StatusStopping:
			path := o.current.TargetPath
			finalized := o.finalized
			o.mu.Unlock()
			<-finalized
			return path, false

		case StatusActive:
			rec := o.current
			recorder := o.recorder
			o.status = StatusStopping
			o.finalized = make(chan struct{})
			rec.Status = StatusStopping
			rec.UpdatedAt = time.Now()
			snapshot, seq := *rec, o.nextSeq()
			o.mu.Unlock()

			log.Printf("SessionOwner: session %s stopping", rec.ID)
			o.persist(snapshot, seq)

			err := o.do(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), o.stopTimeout)
				defer cancel()
				return recorder.Stop(ctx)
			})
			if err != nil {
				log.Printf("SessionOwner: recorder did not finalize cleanly for %s: %v", rec.TargetPath, err)
			}

			o.mu.Lock()
			now := time.Now()
			o.status = StatusIdle
			o.current = nil
			o.recorder = nil
			o.lastPath = rec.TargetPath
			finalized := o.finalized
			o.finalized = nil
			rec.Status = StatusIdle
			rec.EndedAt = &now
			rec.UpdatedAt = now
			snapshot, seq = *rec, o.nextSeq()
			o.mu.Unlock()
			close(finalized)

			o.persist(snapshot, seq)
			log.Printf("SessionOwner: session %s saved to %s", rec.ID, rec.TargetPath)
			return rec.TargetPath, true

		default:
			o.mu.Unlock()
			return "", false
		}
	}
}

// IsRecording reports whether a session is Active. It has no side effects.
func (o *Owner) IsRecording() bool {
	return o.Status() == StatusActive
}

func (o *Owner) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Snapshot returns a copy of the current session, or an Idle record
// carrying the last finished path.
func (o *Owner) Snapshot() Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return *o.current
	}
	return Record{Status: StatusIdle, TargetPath: o.lastPath}
}

// Run listens on the bus and stops the session on every STOP signal until
// ctx is done.
func (o *Owner) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe()
	defer sub.Close()

	log.Printf("SessionOwner: listening for %s signals", bus.Topic)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub.C():
			if !ok {
				return
			}
			o.handleSignal(sig)
		}
	}
}

func (o *Owner) handleSignal(sig bus.Signal) {
	if sig.Action != bus.ActionStop {
		log.Printf("SessionOwner: ignoring unknown action %q", sig.Action)
		return
	}

	path, stopped := o.StopIfActive()
	if !stopped {
		log.Printf("SessionOwner: STOP received with no active session")
		return
	}

	o.mu.Lock()
	onStop := o.onStop
	o.mu.Unlock()
	if onStop != nil {
		onStop(path)
	}
}

// Close finalizes any active session and shuts the worker down. It returns
// the path of the recording it finalized, or "".
func (o *Owner) Close() string {
	path, stopped := o.StopIfActive()
	o.closeOnce.Do(func() { close(o.quit) })
	if stopped {
		return path
	}
	return ""
}

// nextSeq must be called with mu held.
func (o *Owner) nextSeq() uint64 {
	o.seq++
	return o.seq
}

// persist saves rec unless a later transition has already been saved, so
// the stored record never runs behind the owner.
func (o *Owner) persist(rec Record, seq uint64) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	if seq <= o.saved {
		log.Printf("SessionOwner: skipping stale %s snapshot for session %s", rec.Status, rec.ID)
		return
	}
	o.saved = seq

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.Save(ctx, rec); err != nil {
		log.Printf("SessionOwner: failed to persist %s status: %v", rec.Status, err)
	}
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".screenrec-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// removePartial deletes whatever a failed recorder left behind so the
// catalog never lists it.
func removePartial(target string) {
	for _, path := range []string{target, target + ".ffmpeg.log"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("SessionOwner: failed to clean up %s: %v", path, err)
		}
	}
}
