package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"feedgrab/internal/filter"
	"feedgrab/internal/metrics"
	"feedgrab/internal/model"
	"feedgrab/internal/storage"
)

const (
	feedURL    = "https://torrents.example.com/rss"
	desktopURL = "https://torrents.example.com/files/ubuntu-24.04-desktop.torrent"
	serverURL  = "https://torrents.example.com/files/ubuntu-24.04-server-beta.torrent"
	fedoraURL  = "https://torrents.example.com/files/fedora-40.torrent"
)

var (
	jan2 = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	jan4 = time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)
)

type sentMessage struct {
	ChatID int64
	Text   string
}

type mockSender struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (m *mockSender) SendMessage(chatID int64, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{ChatID: chatID, Text: text})
}

func (m *mockSender) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// mockHTTP serves the fixture feed at feedURL and fixed bodies for known
// download URLs. Anything else is a 404.
type mockHTTP struct {
	feed    string
	feedErr error
	files   map[string]string
	onFile  func()

	mu       sync.Mutex
	requests []string
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	m.mu.Lock()
	m.requests = append(m.requests, u)
	m.mu.Unlock()

	if u == feedURL {
		if m.feedErr != nil {
			return nil, m.feedErr
		}
		return response(req, http.StatusOK, m.feed), nil
	}
	if m.onFile != nil {
		m.onFile()
	}
	body, ok := m.files[u]
	if !ok {
		return response(req, http.StatusNotFound, "not found"), nil
	}
	return response(req, http.StatusOK, body), nil
}

func (m *mockHTTP) count(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r == url {
			n++
		}
	}
	return n
}

func response(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Request:    req,
	}
}

type failingSaveStore struct {
	storage.Storage
}

func (failingSaveStore) SaveWatermark(context.Context, string, time.Time) error {
	return errors.New("disk full")
}

func loadFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("../../testdata/sample.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func newClient(t *testing.T) *mockHTTP {
	t.Helper()
	return &mockHTTP{
		feed: loadFixture(t),
		files: map[string]string{
			desktopURL: "desktop torrent",
			serverURL:  "server torrent",
			fedoraURL:  "fedora torrent",
		},
	}
}

func newFileStore(t *testing.T, fsys afero.Fs) *storage.FileStore {
	t.Helper()
	s, err := storage.NewFileStoreWithFS(fsys, "/state")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return s
}

func ubuntuProfile(t *testing.T) model.Profile {
	t.Helper()
	rule, err := filter.Compile("ubuntu.*", ".*beta.*")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return model.Profile{
		Name:        "linux",
		FeedURL:     feedURL,
		Destination: "/downloads",
		Verbose:     true,
		Parallel:    2,
		Interval:    time.Hour,
		Filter:      rule,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPoller(profile model.Profile, store storage.Storage, client *mockHTTP, fsys afero.Fs) *Poller {
	p := NewPoller(profile, Deps{Store: store, Client: client, FS: fsys, Log: discard()})
	p.notifyDelay = 0
	return p
}

func storedWatermark(t *testing.T, store storage.Storage, profile string) time.Time {
	t.Helper()
	wm, err := store.LoadWatermark(context.Background(), profile)
	if err != nil {
		t.Fatalf("load watermark: %v", err)
	}
	return wm
}

func TestRunCycleDownloadsAndPersists(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)
	client := newClient(t)
	p := newPoller(ubuntuProfile(t), store, client, fsys)

	res := p.RunCycle(ctx)

	if diff := cmp.Diff(StatusCompleted, res.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if !res.Persisted {
		t.Error("expected watermark to be persisted")
	}
	if diff := cmp.Diff(jan4, res.Watermark); diff != "" {
		t.Errorf("result watermark mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(jan4, storedWatermark(t, store, "linux")); diff != "" {
		t.Errorf("stored watermark mismatch (-want +got):\n%s", diff)
	}

	if len(res.Downloads) != 1 || res.Downloads[0].URL != desktopURL {
		t.Fatalf("expected only the desktop download, got %+v", res.Downloads)
	}
	data, err := afero.ReadFile(fsys, "/downloads/ubuntu-24.04-desktop.torrent")
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if diff := cmp.Diff("desktop torrent", string(data)); diff != "" {
		t.Errorf("file content mismatch (-want +got):\n%s", diff)
	}
	if n := client.count(serverURL); n != 0 {
		t.Errorf("excluded item was requested %d times", n)
	}
}

func TestRunCycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)
	client := newClient(t)
	p := newPoller(ubuntuProfile(t), store, client, fsys)

	p.RunCycle(ctx)
	res := p.RunCycle(ctx)

	if len(res.Downloads) != 0 {
		t.Errorf("second cycle downloaded %d items", len(res.Downloads))
	}
	if res.Persisted {
		t.Error("unchanged watermark should not be persisted")
	}
	if n := client.count(desktopURL); n != 1 {
		t.Errorf("desktop requested %d times, want 1", n)
	}
}

func TestRunCycleWatermarkNeverDecreases(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)
	later := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveWatermark(ctx, "linux", later); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	p := newPoller(ubuntuProfile(t), store, newClient(t), fsys)

	res := p.RunCycle(ctx)

	if len(res.Downloads) != 0 {
		t.Errorf("expected no downloads, got %d", len(res.Downloads))
	}
	if res.Persisted {
		t.Error("older feed must not be persisted")
	}
	if diff := cmp.Diff(later, storedWatermark(t, store, "linux")); diff != "" {
		t.Errorf("stored watermark mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleFetchFailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)
	if err := store.SaveWatermark(ctx, "linux", jan2); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	client := newClient(t)
	client.feedErr = errors.New("connection refused")
	p := newPoller(ubuntuProfile(t), store, client, fsys)

	res := p.RunCycle(ctx)

	if diff := cmp.Diff(StatusFetchFailed, res.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if res.Err == nil {
		t.Error("expected fetch error in result")
	}
	if len(res.Downloads) != 0 {
		t.Errorf("expected no downloads, got %d", len(res.Downloads))
	}
	if diff := cmp.Diff(jan2, storedWatermark(t, store, "linux")); diff != "" {
		t.Errorf("stored watermark mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleNonMatchingItemsAdvanceWatermark(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)
	client := newClient(t)
	profile := ubuntuProfile(t)
	rule, err := filter.Compile("nothing matches this", "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	profile.Filter = rule
	p := newPoller(profile, store, client, fsys)

	res := p.RunCycle(ctx)

	if len(res.Downloads) != 0 {
		t.Errorf("expected no downloads, got %d", len(res.Downloads))
	}
	if diff := cmp.Diff(jan4, storedWatermark(t, store, "linux")); diff != "" {
		t.Errorf("stored watermark mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleFailedDownloadStillPersists(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)
	client := newClient(t)
	delete(client.files, desktopURL)
	p := newPoller(ubuntuProfile(t), store, client, fsys)

	res := p.RunCycle(ctx)

	if len(res.Downloads) != 1 || res.Downloads[0].Err == nil {
		t.Fatalf("expected one failed download, got %+v", res.Downloads)
	}
	if !res.Persisted {
		t.Error("expected watermark to be persisted")
	}
	if _, err := fsys.Stat("/downloads/ubuntu-24.04-desktop.torrent"); !os.IsNotExist(err) {
		t.Errorf("failed download left a file behind: %v", err)
	}
}

func TestRunCyclePersistFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	fsys := afero.NewMemMapFs()
	store := failingSaveStore{Storage: newFileStore(t, fsys)}
	p := NewPoller(ubuntuProfile(t), Deps{
		Store:  store,
		Client: newClient(t),
		FS:     fsys,
		Log:    slog.New(slog.NewTextHandler(&buf, nil)),
	})

	res := p.RunCycle(context.Background())

	if diff := cmp.Diff(StatusCompleted, res.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if res.Persisted {
		t.Error("failed save reported as persisted")
	}
	if !strings.Contains(buf.String(), "persist watermark") || !strings.Contains(buf.String(), "disk full") {
		t.Errorf("expected persist error in log, got:\n%s", buf.String())
	}
}

func TestRunCycleShutdownSkipsPersist(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)
	client := newClient(t)
	client.onFile = cancel
	p := newPoller(ubuntuProfile(t), store, client, fsys)

	res := p.RunCycle(ctx)

	if diff := cmp.Diff(StatusAborted, res.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if res.Persisted {
		t.Error("interrupted cycle must not persist")
	}
	if diff := cmp.Diff(model.Epoch, storedWatermark(t, store, "linux")); diff != "" {
		t.Errorf("stored watermark mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleNotifies(t *testing.T) {
	fsys := afero.NewMemMapFs()
	client := newClient(t)
	delete(client.files, fedoraURL)
	profile := ubuntuProfile(t)
	profile.Filter = filter.MatchAll()
	profile.TelegramChatID = 42
	sender := &mockSender{}
	p := NewPoller(profile, Deps{
		Store:  newFileStore(t, fsys),
		Client: client,
		FS:     fsys,
		Sender: sender,
		Log:    discard(),
	})
	p.notifyDelay = 0

	p.RunCycle(context.Background())

	msgs := sender.getMessages()
	if len(msgs) != 3 {
		t.Fatalf("expected 2 download messages and 1 summary, got %d: %+v", len(msgs), msgs)
	}
	for _, m := range msgs {
		if m.ChatID != 42 {
			t.Errorf("message sent to chat %d", m.ChatID)
		}
	}
	summary := msgs[2].Text
	if !strings.Contains(summary, "1 of 3 downloads failed") || !strings.Contains(summary, fedoraURL) {
		t.Errorf("unexpected failure summary: %q", summary)
	}
}

func TestRunCycleRecordsHistoryAndMetrics(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	fsys := afero.NewMemMapFs()
	p := NewPoller(ubuntuProfile(t), Deps{
		Store:   store,
		Client:  newClient(t),
		FS:      fsys,
		Metrics: m,
		Log:     discard(),
	})

	p.RunCycle(ctx)

	history, err := store.ListDownloads(ctx, "linux", 10)
	if err != nil {
		t.Fatalf("list downloads: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	want := model.Download{
		Profile: "linux",
		URL:     desktopURL,
		Path:    "/downloads/ubuntu-24.04-desktop.torrent",
		Size:    int64(len("desktop torrent")),
	}
	got := history[0]
	got.CreatedAt = time.Time{}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("linux", metrics.ResultOK)); got != 1 {
		t.Errorf("cycles ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Watermark.WithLabelValues("linux")); got != float64(jan4.Unix()) {
		t.Errorf("watermark gauge = %v, want %v", got, jan4.Unix())
	}
}

func TestRunOnceTerminates(t *testing.T) {
	fsys := afero.NewMemMapFs()
	client := newClient(t)
	p := newPoller(ubuntuProfile(t), newFileStore(t, fsys), client, fsys)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run-once poller did not return")
	}
	if diff := cmp.Diff(StateTerminated, p.State()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if n := client.count(feedURL); n != 1 {
		t.Errorf("feed fetched %d times, want 1", n)
	}
}

func TestRunForeverRepeatsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fsys := afero.NewMemMapFs()
	client := newClient(t)
	profile := ubuntuProfile(t)
	profile.RunForever = true
	profile.Interval = 10 * time.Millisecond
	p := newPoller(profile, newFileStore(t, fsys), client, fsys)

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for client.count(feedURL) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("poller did not repeat cycles")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
	if n := client.count(desktopURL); n != 1 {
		t.Errorf("desktop requested %d times across cycles, want 1", n)
	}
}

func TestRunStopsWhileSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fsys := afero.NewMemMapFs()
	profile := ubuntuProfile(t)
	profile.RunForever = true
	profile.Interval = time.Hour
	p := newPoller(profile, newFileStore(t, fsys), newClient(t), fsys)

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for p.State() != StateSleeping {
		if time.Now().After(deadline) {
			t.Fatalf("poller never slept, state %s", p.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleeping poller did not wake on cancel")
	}
}

func TestSchedulerRunsAllProfiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	store := newFileStore(t, fsys)

	linux := ubuntuProfile(t)
	other := ubuntuProfile(t)
	other.Name = "mirror"
	other.Destination = "/mirror"

	pollers := []*Poller{
		newPoller(linux, store, newClient(t), fsys),
		newPoller(other, store, newClient(t), fsys),
	}
	New(pollers, discard()).Run(context.Background())

	for _, p := range pollers {
		if p.State() != StateTerminated {
			t.Errorf("%s: state %s, want terminated", p.Name(), p.State())
		}
		if diff := cmp.Diff(jan4, storedWatermark(t, store, p.Name())); diff != "" {
			t.Errorf("%s watermark mismatch (-want +got):\n%s", p.Name(), diff)
		}
	}
	for _, path := range []string{"/downloads/ubuntu-24.04-desktop.torrent", "/mirror/ubuntu-24.04-desktop.torrent"} {
		if _, err := fsys.Stat(path); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateFetching, "fetching"},
		{StateDetecting, "detecting"},
		{StateDownloading, "downloading"},
		{StatePersisting, "persisting"},
		{StateSleeping, "sleeping"},
		{StateTerminated, "terminated"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tt.state.String()); diff != "" {
			t.Errorf("State(%d).String() mismatch (-want +got):\n%s", tt.state, diff)
		}
	}
}
