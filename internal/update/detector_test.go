package update

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/linkshelf/internal/kv"
	"github.com/l0p7/linkshelf/internal/metrics"
	"github.com/l0p7/linkshelf/internal/offline"
	"github.com/l0p7/linkshelf/internal/persist"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type releaseBox struct {
	mu      sync.Mutex
	version string
	err     error
}

func (b *releaseBox) Current(context.Context) (offline.Release, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return offline.Release{}, b.err
	}
	return offline.Release{Version: b.version, Precache: []string{"/"}, OfflinePath: "/"}, nil
}

func (b *releaseBox) set(version string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version = version
	b.err = err
}

type fixture struct {
	reg      *offline.Registration
	source   *releaseBox
	reloads  *atomic.Int32
	recorder *metrics.Recorder
}

// newFixture installs v1 and keeps one window controlled by it so later
// versions wait instead of activating on their own.
func newFixture(t *testing.T) fixture {
	t.Helper()
	source := &releaseBox{version: "v1"}
	reg, err := offline.NewRegistration(offline.RegistrationOptions{
		Source:  source,
		Storage: offline.NewMemoryStorage(),
		Fetcher: offline.FetcherFunc(func(_ context.Context, r *http.Request) (*offline.Response, error) {
			return &offline.Response{StatusCode: http.StatusOK, Body: []byte(r.URL.Path)}, nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Update(context.Background()))
	reg.Clients().Track("/")
	reg.Clients().Claim(reg.Active().ID())

	reloads := &atomic.Int32{}
	return fixture{
		reg:      reg,
		source:   source,
		reloads:  reloads,
		recorder: metrics.NewRecorder(prometheus.NewRegistry()),
	}
}

func (f fixture) detector(t *testing.T, opts ...func(*Options)) *Detector {
	t.Helper()
	options := Options{
		Registrar:    func() (Registration, bool) { return f.reg, true },
		Reloader:     ReloaderFunc(func() { f.reloads.Add(1) }),
		CheckTimeout: 20 * time.Millisecond,
		ErrorDismiss: -1,
		Metrics:      f.recorder,
	}
	for _, opt := range opts {
		opt(&options)
	}
	d := NewDetector(context.Background(), options)
	t.Cleanup(d.Close)
	return d
}

func checkCount(t *testing.T, rec *metrics.Recorder, outcome string) float64 {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "linkshelf_update_checks_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelValue(metric, "outcome") == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

func TestCheckWithoutRegistration(t *testing.T) {
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	d := NewDetector(context.Background(), Options{ErrorDismiss: -1, Metrics: recorder})
	defer d.Close()

	state := d.CheckForUpdate(context.Background())
	require.Equal(t, State{Error: "worker not registered"}, state)
	require.Equal(t, state, d.State())
	require.Equal(t, 1.0, checkCount(t, recorder, OutcomeUnregistered))
}

func TestCheckReportsRegistrationError(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)
	f.source.set("", errors.New("origin unreachable"))

	state := d.CheckForUpdate(context.Background())
	require.False(t, state.HasUpdate)
	require.False(t, state.IsChecking)
	require.Contains(t, state.Error, "origin unreachable")
	require.Equal(t, 1.0, checkCount(t, f.recorder, OutcomeError))
}

func TestErrorsAutoDismiss(t *testing.T) {
	d := NewDetector(context.Background(), Options{ErrorDismiss: 30 * time.Millisecond})
	defer d.Close()

	require.NotEmpty(t, d.CheckForUpdate(context.Background()).Error)
	require.Eventually(t, func() bool { return d.State() == State{} }, time.Second, 5*time.Millisecond)
}

func TestAutoDismissCancelledByNewState(t *testing.T) {
	d := NewDetector(context.Background(), Options{ErrorDismiss: 40 * time.Millisecond})
	defer d.Close()

	d.CheckForUpdate(context.Background())
	d.DismissUpdate()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, State{}, d.State())
}

func TestCheckFindsWaitingWorker(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)
	f.source.set("v2", nil)

	state := d.CheckForUpdate(context.Background())
	require.Equal(t, State{HasUpdate: true}, state)
	require.NotNil(t, f.reg.Waiting())
	require.Equal(t, 1.0, checkCount(t, f.recorder, OutcomeFound))
}

func TestCheckingClearsAfterTimeout(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)

	state := d.CheckForUpdate(context.Background())
	require.True(t, state.IsChecking)
	require.Eventually(t, func() bool { return !d.State().IsChecking }, time.Second, 5*time.Millisecond)
	require.False(t, d.State().HasUpdate)
	require.Empty(t, d.State().Error)
}

func TestSubscriptionStaysArmedAfterCheck(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)

	d.CheckForUpdate(context.Background())
	require.Eventually(t, func() bool { return !d.State().IsChecking }, time.Second, 5*time.Millisecond)

	f.source.set("v2", nil)
	require.NoError(t, f.reg.Update(context.Background()))
	require.True(t, d.State().HasUpdate)
}

func TestApplyUpdateReloadsOnce(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)
	require.False(t, d.ApplyUpdate(context.Background()))

	f.source.set("v2", nil)
	d.CheckForUpdate(context.Background())
	require.True(t, d.State().HasUpdate)

	require.True(t, d.ApplyUpdate(context.Background()))
	require.Equal(t, "v2", f.reg.Active().Version())
	require.Nil(t, f.reg.Waiting())
	require.EqualValues(t, 1, f.reloads.Load())
	require.Equal(t, State{}, d.State())
	require.Equal(t, 1.0, checkCount(t, f.recorder, OutcomeApplied))

	f.source.set("v3", nil)
	require.NoError(t, f.reg.Update(context.Background()))
	require.True(t, f.reg.SkipWaiting(context.Background()))
	require.EqualValues(t, 1, f.reloads.Load(), "controller changes not requested through ApplyUpdate do not reload")
}

func TestDismissKeepsWaitingWorker(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)
	f.source.set("v2", nil)
	d.CheckForUpdate(context.Background())

	d.DismissUpdate()
	require.Equal(t, State{}, d.State())
	require.NotNil(t, f.reg.Waiting())
	require.Equal(t, "v1", f.reg.Active().Version())
}

func TestUpdateActivatingOnItsOwnClearsBanner(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)
	f.reg.Clients().Forget(f.reg.Clients().MatchAll()[0].ID)
	f.source.set("v2", nil)

	state := d.CheckForUpdate(context.Background())
	require.False(t, state.HasUpdate)
	require.Equal(t, "v2", f.reg.Active().Version())
	require.Zero(t, f.reloads.Load())
}

func TestAutoCheckPreferencePersists(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	store := persist.NewStore(backend, persist.Options{Debounce: 10 * time.Millisecond})

	f := newFixture(t)
	var calls atomic.Int32
	registrar := func() (Registration, bool) {
		calls.Add(1)
		return f.reg, true
	}

	d := f.detector(t, func(o *Options) { o.Store = store; o.Registrar = registrar })
	require.False(t, d.AutoCheckUpdate())
	d.Start(ctx)
	require.Zero(t, calls.Load())

	d.ToggleAutoCheckUpdate(true)
	require.True(t, d.AutoCheckUpdate())
	store.Flush(ctx)

	raw, ok, err := backend.Get(ctx, AutoCheckKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", string(raw))

	reopened := f.detector(t, func(o *Options) {
		o.Store = persist.NewStore(backend, persist.Options{})
		o.Registrar = registrar
	})
	require.True(t, reopened.AutoCheckUpdate())
	state := reopened.Start(ctx)
	require.EqualValues(t, 1, calls.Load())
	require.True(t, state.IsChecking)
}

func TestToggleWithoutStore(t *testing.T) {
	d := NewDetector(context.Background(), Options{})
	defer d.Close()
	d.ToggleAutoCheckUpdate(true)
	require.True(t, d.AutoCheckUpdate())
}
