package ingest_test

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/ingest"
)

const testWindow = 30 * time.Millisecond

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memFlag struct {
	sent atomic.Bool
}

func (f *memFlag) SignalSent() bool { return f.sent.Load() }
func (f *memFlag) MarkSignalSent()  { f.sent.Store(true) }

type recorder struct {
	mu           sync.Mutex
	consolidated []map[string]any
	deeplinks    []map[string]any
	replays      []map[string]any
	order        []string
}

func (r *recorder) handlers() ingest.Handlers {
	return ingest.Handlers{
		OnConsolidated: func(p map[string]any) { r.add(&r.consolidated, "consolidated", p) },
		OnDeeplink:     func(p map[string]any) { r.add(&r.deeplinks, "deeplink", p) },
		OnReplay:       func(p map[string]any) { r.add(&r.replays, "replay", p) },
	}
}

func (r *recorder) add(dst *[]map[string]any, name string, p map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*dst = append(*dst, p)
	r.order = append(r.order, name)
}

func (r *recorder) snapshot() (consolidated, deeplinks, replays []map[string]any, order []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.consolidated...),
		append([]map[string]any(nil), r.deeplinks...),
		append([]map[string]any(nil), r.replays...),
		append([]string(nil), r.order...)
}

func newConsolidator(t *testing.T, flag *memFlag) (*ingest.Consolidator, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := ingest.NewConsolidator(testWindow, flag, rec.handlers(), zap.NewNop())
	t.Cleanup(c.Close)
	return c, rec
}

func waitConsolidated(t *testing.T, rec *recorder) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		got, _, _, _ := rec.snapshot()
		return len(got) > 0
	}, time.Second, 5*time.Millisecond)
	got, _, _, _ := rec.snapshot()
	return got
}

func TestAttributionOnlyConsolidatesAfterWindow(t *testing.T) {
	flag := &memFlag{}
	c, rec := newConsolidator(t, flag)

	c.ReceiveAttribution(map[string]any{"af_status": "Non-organic", "campaign": "spring"})
	got, _, _, _ := rec.snapshot()
	require.Empty(t, got, "emission must wait for the window")

	got = waitConsolidated(t, rec)
	require.Len(t, got, 1)
	if diff := cmp.Diff(map[string]any{"af_status": "Non-organic", "campaign": "spring"}, got[0]); diff != "" {
		t.Fatalf("consolidated payload mismatch (-want +got):\n%s", diff)
	}
	require.True(t, flag.SignalSent())
}

func TestAttributionRestartsWindow(t *testing.T) {
	flag := &memFlag{}
	c, rec := newConsolidator(t, flag)

	c.ReceiveAttribution(map[string]any{"campaign": "first"})
	time.Sleep(testWindow / 2)
	c.ReceiveAttribution(map[string]any{"campaign": "second"})

	got := waitConsolidated(t, rec)
	require.Len(t, got, 1)
	require.Equal(t, "second", got[0]["campaign"])
}

func TestDeeplinkThenAttributionMergesImmediately(t *testing.T) {
	flag := &memFlag{}
	c, rec := newConsolidator(t, flag)

	c.ReceiveDeeplink(map[string]any{"campaign": "link", "deep_link_value": "promo"})
	_, links, _, _ := rec.snapshot()
	require.Len(t, links, 1, "deep link is delivered without waiting")

	c.ReceiveAttribution(map[string]any{"campaign": "attr", "af_status": "Non-organic"})
	got, _, _, order := rec.snapshot()
	require.Len(t, got, 1)
	want := map[string]any{"campaign": "attr", "af_status": "Non-organic", "deep_link_value": "promo"}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Fatalf("attribution values must win (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"deeplink", "consolidated"}, order)
}

func TestAttributionThenDeeplinkMergesImmediately(t *testing.T) {
	flag := &memFlag{}
	c, rec := newConsolidator(t, flag)

	c.ReceiveAttribution(map[string]any{"campaign": "attr"})
	c.ReceiveDeeplink(map[string]any{"campaign": "link", "pid": "media"})

	got, links, _, order := rec.snapshot()
	require.Len(t, got, 1)
	require.Len(t, links, 1)
	require.Equal(t, map[string]any{"campaign": "attr", "pid": "media"}, got[0])
	require.Equal(t, []string{"deeplink", "consolidated"}, order)

	time.Sleep(2 * testWindow)
	got, _, _, _ = rec.snapshot()
	require.Len(t, got, 1, "cancelled window must not fire")
}

func TestFailureConsolidatesWithBufferedDeeplink(t *testing.T) {
	flag := &memFlag{}
	c, rec := newConsolidator(t, flag)

	c.ReceiveDeeplink(map[string]any{"pid": "media"})
	c.HandleFailure()

	got, _, _, _ := rec.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, map[string]any{"pid": "media"}, got[0])
	require.True(t, flag.SignalSent())
}

func TestDeeplinkIgnoredOnceSent(t *testing.T) {
	flag := &memFlag{}
	flag.MarkSignalSent()
	c, rec := newConsolidator(t, flag)

	c.ReceiveDeeplink(map[string]any{"pid": "media"})
	c.ReceiveAttribution(map[string]any{"af_status": "Organic"})
	c.HandleFailure()
	time.Sleep(2 * testWindow)

	got, links, replays, _ := rec.snapshot()
	require.Empty(t, got)
	require.Empty(t, links)
	require.Equal(t, []map[string]any{{"af_status": "Organic"}, {}}, replays)
}

func TestCloseStopsPendingWindow(t *testing.T) {
	flag := &memFlag{}
	c, rec := newConsolidator(t, flag)

	c.ReceiveAttribution(map[string]any{"campaign": "x"})
	c.Close()
	time.Sleep(2 * testWindow)

	got, _, _, _ := rec.snapshot()
	require.Empty(t, got)
	require.False(t, flag.SignalSent())
}

func TestRandomInterleavingsEmitExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		flag := &memFlag{}
		c, rec := newConsolidator(t, flag)

		attr := map[string]any{"k": "attr", "a": i}
		link := map[string]any{"k": "link", "l": i}
		withLink := rng.Intn(3) != 0
		withFailure := rng.Intn(4) == 0

		var wg sync.WaitGroup
		wg.Add(1)
		go func(d time.Duration) {
			defer wg.Done()
			time.Sleep(d)
			if withFailure {
				c.HandleFailure()
				return
			}
			c.ReceiveAttribution(attr)
		}(time.Duration(rng.Intn(5)) * time.Millisecond)
		if withLink {
			wg.Add(1)
			go func(d time.Duration) {
				defer wg.Done()
				time.Sleep(d)
				c.ReceiveDeeplink(link)
			}(time.Duration(rng.Intn(5)) * time.Millisecond)
		}
		wg.Wait()

		waitConsolidated(t, rec)
		time.Sleep(testWindow + 10*time.Millisecond)
		got, _, _, _ := rec.snapshot()
		require.Len(t, got, 1, "iteration %d", i)

		out := got[0]
		if !withFailure {
			require.Equal(t, "attr", out["k"], "iteration %d", i)
			require.Equal(t, i, out["a"], "iteration %d", i)
		}
		if withLink {
			if _, ok := out["l"]; !ok {
				// The link may land after a failure already consolidated.
				require.True(t, withFailure, "iteration %d", i)
			}
		}
		c.Close()
	}
}
