package coordinator

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrec/internal/bus"
	"screenrec/internal/capture"
	"screenrec/internal/catalog"
	"screenrec/internal/grant"
	"screenrec/internal/session"
)

const testSecret = "test-secret-key-for-testing-only"

// fileRecorder writes a small file on start, like a muxer that has flushed
// its header.
type fileRecorder struct {
	target    string
	startErr  error
	stopDelay time.Duration
}

func (r *fileRecorder) Start(ctx context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	return os.WriteFile(r.target, []byte("ftyp"), 0o644)
}

func (r *fileRecorder) Stop(ctx context.Context) error {
	time.Sleep(r.stopDelay)
	return nil
}

func (r *fileRecorder) IsActive() bool { return true }

type fileFactory struct {
	newErr    error
	startErr  error
	stopDelay time.Duration
}

func (f *fileFactory) New(target string, g capture.Geometry) (capture.Recorder, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	return &fileRecorder{target: target, startErr: f.startErr, stopDelay: f.stopDelay}, nil
}

type stubGrants struct {
	issuer *grant.Issuer
	err    error
	calls  int
	mu     sync.Mutex
}

func (s *stubGrants) Request(ctx context.Context) (*grant.Grant, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.issuer.Issue()
}

type recordingView struct {
	mu       sync.Mutex
	controls []Controls
	catalogs [][]catalog.Recording
	stopURLs []string
	saved    []string
}

func (v *recordingView) Render(c Controls) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.controls = append(v.controls, c)
}

func (v *recordingView) ShowCatalog(recs []catalog.Recording) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.catalogs = append(v.catalogs, recs)
}

func (v *recordingView) Recording(stopURL string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopURLs = append(v.stopURLs, stopURL)
}

func (v *recordingView) Saved(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.saved = append(v.saved, path)
}

func (v *recordingView) savedPaths() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.saved...)
}

func (v *recordingView) last() Controls {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.controls[len(v.controls)-1]
}

func (v *recordingView) phases() []Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	phases := make([]Phase, len(v.controls))
	for i, c := range v.controls {
		phases[i] = c.Phase
	}
	return phases
}

type fixture struct {
	coord   *Coordinator
	owner   *session.Owner
	factory *fileFactory
	grants  *stubGrants
	issuer  *grant.Issuer
	view    *recordingView
	dir     string
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		factory: &fileFactory{},
		issuer:  grant.NewIssuer(testSecret, time.Minute),
		view:    &recordingView{},
		dir:     t.TempDir(),
	}
	f.grants = &stubGrants{issuer: f.issuer}
	f.owner = session.NewOwner(f.factory, grant.NewRedeemer(f.issuer, grant.NewMemoryLedger()), session.NewMemoryStore(), session.Options{})
	t.Cleanup(func() { f.owner.Close() })

	f.coord = New(f.owner, f.grants, catalog.New(nil, ".mp4"), f.view, f.view, f.issuer, Config{
		Folder:         f.dir,
		FilePrefix:     "rec",
		Extension:      ".mp4",
		StartDelay:     delay,
		Geometry:       capture.Geometry{Width: 1280, Height: 720, Density: 160},
		PublicURL:      "http://rec.test",
		ActionTokenTTL: time.Minute,
	})
	return f
}

func TestNew_RendersReady(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, Controls{Phase: PhaseReady, StartEnabled: true}, f.view.last())
}

func TestRequestStart_StopScenario(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	target := filepath.Join(f.dir, "a.mp4")

	require.NoError(t, f.coord.RequestStart(ctx, target))
	assert.Equal(t, []Phase{PhaseReady, PhaseAwaitingGrant, PhaseStarting, PhaseRecording}, f.view.phases())
	assert.Equal(t, Controls{Phase: PhaseRecording, StopEnabled: true, Target: target}, f.view.last())
	assert.False(t, f.coord.HoldsGrant())

	require.Len(t, f.view.stopURLs, 1)
	stopURL, err := url.Parse(f.view.stopURLs[0])
	require.NoError(t, err)
	assert.Equal(t, "/events/recording", stopURL.Path)
	action, err := f.issuer.VerifyAction(stopURL.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, bus.ActionStop, action)

	assert.Equal(t, target, f.coord.RequestStop(ctx))
	assert.Equal(t, []string{target}, f.view.saved)
	assert.Equal(t, PhaseReady, f.view.last().Phase)

	require.NotEmpty(t, f.view.catalogs)
	latest := f.view.catalogs[len(f.view.catalogs)-1]
	require.Len(t, latest, 1)
	assert.Equal(t, target, latest[0].Location)
}

func TestRequestStart_GrantDenied(t *testing.T) {
	f := newFixture(t, 0)
	f.grants.err = grant.ErrDenied

	err := f.coord.RequestStart(context.Background(), "")
	assert.ErrorIs(t, err, grant.ErrDenied)
	assert.Equal(t, Controls{Phase: PhaseReady, StartEnabled: true}, f.view.last())
	assert.False(t, f.owner.IsRecording())

	// The user may retry.
	f.grants.err = nil
	require.NoError(t, f.coord.RequestStart(context.Background(), ""))
	assert.True(t, f.owner.IsRecording())
}

func TestRequestStart_RecorderFailureReenablesStart(t *testing.T) {
	f := newFixture(t, 0)
	f.factory.startErr = errors.New("unsupported resolution")

	err := f.coord.RequestStart(context.Background(), "")
	assert.ErrorIs(t, err, session.ErrRecorderInit)
	assert.Equal(t, Controls{Phase: PhaseReady, StartEnabled: true}, f.view.last())
	assert.Empty(t, f.view.stopURLs)
	// The grant was redeemed by the failed attempt.
	assert.False(t, f.coord.HoldsGrant())

	recs, err := f.coord.Recordings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRequestStart_KeepsGrantWhenNotRedeemed(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) string
		wantErr error
	}{
		{
			name: "recorder cannot be created",
			setup: func(t *testing.T, f *fixture) string {
				f.factory.newErr = errors.New("no encoder")
				return ""
			},
			wantErr: session.ErrRecorderInit,
		},
		{
			name: "target already exists",
			setup: func(t *testing.T, f *fixture) string {
				target := filepath.Join(f.dir, "taken.mp4")
				require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))
				return target
			},
			wantErr: session.ErrStorageUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			target := tt.setup(t, f)

			err := f.coord.RequestStart(context.Background(), target)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, f.coord.HoldsGrant())
			assert.Equal(t, Controls{Phase: PhaseReady, StartEnabled: true}, f.view.last())

			f.factory.newErr = nil
			require.NoError(t, f.coord.RequestStart(context.Background(), ""))
			assert.Equal(t, 1, f.grants.calls)
			assert.False(t, f.coord.HoldsGrant())
			assert.True(t, f.owner.IsRecording())
		})
	}
}

func TestRequestStart_RejectedWhileRecording(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.coord.RequestStart(ctx, ""))

	assert.ErrorIs(t, f.coord.RequestStart(ctx, ""), ErrStartUnavailable)
	assert.Equal(t, 1, f.grants.calls)
}

func TestRequestStart_DoubleTap(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- f.coord.RequestStart(ctx, "") }()
	}

	var ok, unavailable int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, ErrStartUnavailable):
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, unavailable)
	assert.Equal(t, 1, f.grants.calls)
	assert.True(t, f.owner.IsRecording())
}

func TestRequestStart_CancelledDuringDelayKeepsGrant(t *testing.T) {
	f := newFixture(t, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.coord.RequestStart(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, f.coord.HoldsGrant())
	assert.Equal(t, PhaseReady, f.view.last().Phase)
	assert.False(t, f.owner.IsRecording())

	// The held grant is used instead of asking again.
	f.coord.cfg.StartDelay = 0
	require.NoError(t, f.coord.RequestStart(context.Background(), ""))
	assert.Equal(t, 1, f.grants.calls)
	assert.False(t, f.coord.HoldsGrant())
}

func TestRequestStop_IdleHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 0)

	assert.Equal(t, "", f.coord.RequestStop(context.Background()))
	assert.Empty(t, f.view.saved)
	assert.Empty(t, f.view.catalogs)
}

func TestReinit_ReconcilesWithActiveSession(t *testing.T) {
	f := newFixture(t, 0)
	target := filepath.Join(f.dir, "elsewhere.mp4")
	g, err := f.issuer.Issue()
	require.NoError(t, err)
	require.NoError(t, f.owner.Start(context.Background(), target, g, capture.Geometry{Width: 640, Height: 480, Density: 160}))

	// A surface created after the session started.
	view := &recordingView{}
	coord := New(f.owner, f.grants, catalog.New(nil, ".mp4"), view, view, nil, Config{Folder: f.dir})
	assert.Equal(t, Controls{Phase: PhaseRecording, StopEnabled: true, Target: target}, view.last())
	assert.Equal(t, 0, f.grants.calls)

	assert.ErrorIs(t, coord.RequestStart(context.Background(), ""), ErrStartUnavailable)
}

func TestHandleExternalStop(t *testing.T) {
	f := newFixture(t, 0)
	b := bus.New()
	f.owner.OnSignalStop(f.coord.HandleExternalStop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.owner.Run(ctx, b)
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.RequestStart(context.Background(), ""))
	target := f.owner.Snapshot().TargetPath

	b.Publish(bus.Stop())
	require.Eventually(t, func() bool {
		f.view.mu.Lock()
		defer f.view.mu.Unlock()
		return len(f.view.saved) == 1 && f.view.controls[len(f.view.controls)-1].Phase == PhaseReady
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, target, f.view.saved[0])
}

func TestNextTarget(t *testing.T) {
	f := newFixture(t, 0)
	f.coord.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC) }

	first := f.coord.NextTarget()
	assert.Equal(t, filepath.Join(f.dir, "rec-20240309-140506.mp4"), first)

	require.NoError(t, os.WriteFile(first, nil, 0o644))
	second := f.coord.NextTarget()
	assert.Equal(t, filepath.Join(f.dir, "rec-20240309-140506-1.mp4"), second)
	assert.True(t, strings.HasSuffix(second, ".mp4"))
}

func TestRequestStop_DuringSignalStopAnnouncesOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.factory.stopDelay = 150 * time.Millisecond
	b := bus.New()
	f.owner.OnSignalStop(f.coord.HandleExternalStop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.owner.Run(ctx, b)
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.RequestStart(context.Background(), ""))
	target := f.owner.Snapshot().TargetPath

	b.Publish(bus.Stop())
	require.Eventually(t, func() bool {
		return f.owner.Status() == session.StatusStopping
	}, time.Second, time.Millisecond)

	assert.Equal(t, target, f.coord.RequestStop(context.Background()))

	require.Eventually(t, func() bool {
		return len(f.view.savedPaths()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return len(f.view.savedPaths()) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []string{target}, f.view.savedPaths())
	assert.Equal(t, session.StatusIdle, f.owner.Status())
}
