// Package coordinator drives recording requests from UI surfaces into the
// session owner and keeps every attached view in step with it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"screenrec/internal/bus"
	"screenrec/internal/capture"
	"screenrec/internal/catalog"
	"screenrec/internal/grant"
	"screenrec/internal/session"
)

var ErrStartUnavailable = errors.New("start is not available right now")

type Phase string

const (
	PhaseReady         Phase = "ready"
	PhaseAwaitingGrant Phase = "awaiting_grant"
	PhaseStarting      Phase = "starting"
	PhaseRecording     Phase = "recording"
)

// Controls is what a UI surface should show.
type Controls struct {
	Phase        Phase  `json:"phase"`
	StartEnabled bool   `json:"start_enabled"`
	StopEnabled  bool   `json:"stop_enabled"`
	Target       string `json:"target,omitempty"`
}

type View interface {
	Render(c Controls)
	ShowCatalog(recordings []catalog.Recording)
}

// Notifier is the user-visible notification surface.
type Notifier interface {
	// Recording is shown while a session is active; stopURL ends it.
	Recording(stopURL string)
	Saved(path string)
}

type SessionOwner interface {
	Start(ctx context.Context, target string, g *grant.Grant, geometry capture.Geometry) error
	StopIfActive() (path string, stopped bool)
	Status() session.Status
	Snapshot() session.Record
}

type GrantRequester interface {
	Request(ctx context.Context) (*grant.Grant, error)
}

type Cataloger interface {
	Refresh(ctx context.Context, folder string) ([]catalog.Recording, error)
}

type ActionSigner interface {
	IssueAction(action string, ttl time.Duration) (string, error)
}

type Config struct {
	Folder         string
	FilePrefix     string
	Extension      string
	StartDelay     time.Duration
	Geometry       capture.Geometry
	PublicURL      string
	ActionTokenTTL time.Duration
}

type Coordinator struct {
	owner    SessionOwner
	grants   GrantRequester
	catalog  Cataloger
	view     View
	notifier Notifier
	signer   ActionSigner
	cfg      Config
	now      func() time.Time

	mu sync.Mutex
	// pending is the phase of a start request still in flight here,
	// before the owner has been asked to start.
	pending Phase
	// held is a grant obtained but not yet handed to the owner.
	held *grant.Grant
}

// New builds a coordinator and immediately reconciles the view with the
// owner, so a session already running elsewhere shows as recording.
func New(owner SessionOwner, grants GrantRequester, cat Cataloger, view View, notifier Notifier, signer ActionSigner, cfg Config) *Coordinator {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "screenrec"
	}
	if cfg.Extension == "" {
		cfg.Extension = ".mp4"
	}
	c := &Coordinator{
		owner:    owner,
		grants:   grants,
		catalog:  cat,
		view:     view,
		notifier: notifier,
		signer:   signer,
		cfg:      cfg,
		now:      time.Now,
	}
	c.Reinit()
	return c
}

// Reinit re-renders controls from the owner's current status. Call it for
// every newly attached UI surface.
func (c *Coordinator) Reinit() {
	controls := c.Controls()
	if controls.Phase == PhaseRecording {
		log.Printf("SessionCoordinator: session already recording to %s, restoring controls", controls.Target)
	}
	c.render(controls)
}

func (c *Coordinator) Controls() Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlsLocked()
}

func (c *Coordinator) controlsLocked() Controls {
	if c.pending != "" {
		return Controls{Phase: c.pending}
	}
	snap := c.owner.Snapshot()
	switch snap.Status {
	case session.StatusActive:
		return Controls{Phase: PhaseRecording, StopEnabled: true, Target: snap.TargetPath}
	case session.StatusStopping:
		return Controls{Phase: PhaseRecording, Target: snap.TargetPath}
	case session.StatusStarting:
		return Controls{Phase: PhaseStarting, Target: snap.TargetPath}
	default:
		return Controls{Phase: PhaseReady, StartEnabled: true}
	}
}

// RequestStart obtains a capture grant if none is held, waits out the
// start delay and asks the owner to record to target (a generated name
// when empty). Any failure leaves the start control enabled again.
func (c *Coordinator) RequestStart(ctx context.Context, target string) error {
	c.mu.Lock()
	if !c.controlsLocked().StartEnabled {
		c.mu.Unlock()
		return ErrStartUnavailable
	}
	if c.held == nil {
		c.pending = PhaseAwaitingGrant
	} else {
		c.pending = PhaseStarting
	}
	controls := c.controlsLocked()
	c.mu.Unlock()
	c.render(controls)

	if target == "" {
		target = c.NextTarget()
	}

	if controls.Phase == PhaseAwaitingGrant {
		g, err := c.grants.Request(ctx)
		if err != nil {
			if errors.Is(err, grant.ErrDenied) {
				log.Printf("SessionCoordinator: screen capture denied by user")
			} else {
				log.Printf("SessionCoordinator: grant request ended: %v", err)
			}
			c.settle()
			return err
		}
		c.mu.Lock()
		c.held = g
		c.pending = PhaseStarting
		controls = c.controlsLocked()
		c.mu.Unlock()
		c.render(controls)
	}

	if c.cfg.StartDelay > 0 {
		timer := time.NewTimer(c.cfg.StartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			log.Printf("SessionCoordinator: start cancelled during delay, keeping grant")
			c.settle()
			return ctx.Err()
		}
	}

	c.mu.Lock()
	g := c.held
	c.held = nil
	c.mu.Unlock()

	err := c.owner.Start(ctx, target, g, c.cfg.Geometry)

	c.mu.Lock()
	if err != nil && session.GrantUnused(err) && c.held == nil {
		c.held = g
	}
	c.pending = ""
	controls = c.controlsLocked()
	c.mu.Unlock()
	c.render(controls)

	if err != nil {
		if session.GrantUnused(err) {
			log.Printf("SessionCoordinator: start failed, keeping unused grant: %v", err)
		} else {
			log.Printf("SessionCoordinator: start failed: %v", err)
		}
		return err
	}

	log.Printf("SessionCoordinator: recording to %s", target)
	if c.notifier != nil {
		c.notifier.Recording(c.stopURL())
	}
	return nil
}

// RequestStop stops the session, refreshes the catalog and announces the
// saved file. It returns the finished path, or "" if nothing was recording.
// When another stop got there first, that stop announces the file and this
// call only re-renders.
func (c *Coordinator) RequestStop(ctx context.Context) string {
	if c.owner.Status() == session.StatusIdle {
		c.Reinit()
		return ""
	}
	path, stopped := c.owner.StopIfActive()
	if !stopped {
		log.Printf("SessionCoordinator: session was already stopped elsewhere")
		c.Reinit()
		return path
	}
	c.finish(ctx, path)
	return path
}

// HandleExternalStop runs after the owner stopped a session on a bus
// signal, so views catch up exactly as for a UI stop.
func (c *Coordinator) HandleExternalStop(path string) {
	log.Printf("SessionCoordinator: session stopped by %s signal", bus.ActionStop)
	c.finish(context.Background(), path)
}

func (c *Coordinator) finish(ctx context.Context, path string) {
	c.refresh(ctx)
	if path != "" && c.notifier != nil {
		c.notifier.Saved(path)
	}
	c.Reinit()
}

// Recordings refreshes the catalog and pushes it to the view.
func (c *Coordinator) Recordings(ctx context.Context) ([]catalog.Recording, error) {
	recordings, err := c.catalog.Refresh(ctx, c.cfg.Folder)
	if err != nil {
		return nil, err
	}
	if c.view != nil {
		c.view.ShowCatalog(recordings)
	}
	return recordings, nil
}

func (c *Coordinator) refresh(ctx context.Context) {
	if _, err := c.Recordings(ctx); err != nil {
		log.Printf("SessionCoordinator: catalog refresh failed: %v", err)
	}
}

// NextTarget returns a timestamped path in the recordings folder that does
// not exist yet.
func (c *Coordinator) NextTarget() string {
	base := fmt.Sprintf("%s-%s", c.cfg.FilePrefix, c.now().Format("20060102-150405"))
	path := filepath.Join(c.cfg.Folder, base+c.cfg.Extension)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(c.cfg.Folder, fmt.Sprintf("%s-%d%s", base, i, c.cfg.Extension))
	}
}

// HoldsGrant reports whether a grant is waiting to be used.
func (c *Coordinator) HoldsGrant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held != nil
}

func (c *Coordinator) settle() {
	c.mu.Lock()
	c.pending = ""
	controls := c.controlsLocked()
	c.mu.Unlock()
	c.render(controls)
}

func (c *Coordinator) render(controls Controls) {
	if c.view != nil {
		c.view.Render(controls)
	}
}

func (c *Coordinator) stopURL() string {
	if c.signer == nil || c.cfg.PublicURL == "" {
		return ""
	}
	ttl := c.cfg.ActionTokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	token, err := c.signer.IssueAction(bus.ActionStop, ttl)
	if err != nil {
		log.Printf("SessionCoordinator: failed to sign stop action: %v", err)
		return ""
	}
	return c.cfg.PublicURL + "/events/recording?token=" + url.QueryEscape(token)
}
