package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/directory"
	"attendsync/internal/ingest"
	"attendsync/internal/model"
	"attendsync/internal/storage"
	"attendsync/internal/terminal"
)

type fakeClient struct {
	mu         sync.Mutex
	checkErr   error
	subscribed int
	closed     int
	events     chan model.NormalizedEvent
	records    []model.NormalizedEvent
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan model.NormalizedEvent, 16)}
}

func (f *fakeClient) CheckConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkErr
}

func (f *fakeClient) GetDeviceInfo(context.Context) model.DeviceInfo {
	return model.DeviceInfo{Available: true, Model: "DS-K1T341"}
}

func (f *fakeClient) SubscribeToEvents(context.Context, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed++
	return errors.New("subscribe not supported")
}

func (f *fakeClient) StreamEvents(ctx context.Context, sink terminal.EventSink) terminal.StreamResult {
	res := terminal.StreamResult{}
	for {
		select {
		case <-ctx.Done():
			res.End = terminal.StreamCanceled
			return res
		case ev, ok := <-f.events:
			if !ok {
				res.End = terminal.StreamClosed
				return res
			}
			sink.HandleEvent(ctx, ev)
			res.Events++
		}
	}
}

func (f *fakeClient) GetAttendanceRecords(context.Context, time.Time, time.Time, int) ([]model.NormalizedEvent, error) {
	return f.records, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return errors.New("already closed")
}

type fakeFactory struct {
	mu      sync.Mutex
	next    func() *fakeClient
	built   []*fakeClient
	secrets []string
}

func (f *fakeFactory) NewClient(_ model.Device, password string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeClient()
	if f.next != nil {
		c = f.next()
	}
	f.built = append(f.built, c)
	f.secrets = append(f.secrets, password)
	return c, nil
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string]model.Device
	synced  map[string]time.Time
}

func (d *fakeDirectory) Device(_ context.Context, id string) (model.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	if !ok {
		return model.Device{}, directory.ErrNotFound
	}
	return dev, nil
}

func (d *fakeDirectory) Devices(context.Context) ([]model.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	return out, nil
}

func (d *fakeDirectory) MarkSynced(_ context.Context, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.synced[id] = at
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory, *fakeDirectory) {
	t.Helper()
	dir := &fakeDirectory{
		devices: map[string]model.Device{
			"gate":  {ID: "gate", Name: "Main gate", Address: "http://192.168.1.64", Active: true, PasswordCipher: []byte("s3cret")},
			"store": {ID: "store", Name: "Store room", Address: "http://192.168.1.65", Active: false},
		},
		synced: make(map[string]time.Time),
	}
	factory := &fakeFactory{}
	pipeline := ingest.NewPipeline(storage.NewMemory(), ingest.Options{})
	m := NewManager(Options{
		Devices: dir,
		Factory: factory,
		Sink:    pipeline,
		Config:  config.NewStaticManager(config.DefaultConfig()),
	})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m, factory, dir
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartIsIdempotent(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if factory.count() != 1 {
		t.Fatalf("clients built: %d", factory.count())
	}
	if factory.secrets[0] != "s3cret" {
		t.Fatalf("password not decrypted: %q", factory.secrets[0])
	}
	if m.State("gate") != model.StateStreaming {
		t.Fatalf("state %s", m.State("gate"))
	}
	// Subscribe failure does not prevent streaming.
	waitFor(t, "subscribe call", func() bool {
		c := factory.last()
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.subscribed == 1
	})
}

func TestStartRejectsUnknownAndInactive(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.StartSubscription(context.Background(), "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown: %v", err)
	}
	if err := m.StartSubscription(context.Background(), "store"); !errors.Is(err, ErrDeviceInactive) {
		t.Fatalf("inactive: %v", err)
	}
}

func TestStopWaitsAndAllowsRestart(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopSubscription(ctx, "gate"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.State("gate") != model.StateDisconnected {
		t.Fatalf("state after stop: %s", m.State("gate"))
	}
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if m.State("gate") != model.StateStreaming || factory.count() != 1 {
		t.Fatalf("restart reused client: state=%s built=%d", m.State("gate"), factory.count())
	}
}

func TestStreamEndingOnItsOwnDisconnects(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	c := factory.last()
	c.events <- model.NormalizedEvent{EmployeeNo: "1001", TypeCode: "5.75", Timestamp: time.Now(), Terminal: "192.168.1.64"}
	close(c.events)
	waitFor(t, "disconnect", func() bool { return m.State("gate") == model.StateDisconnected })

	status := m.GetStatus(ctx, "gate")
	if status.Subscribed || status.LastEventAt.IsZero() {
		t.Fatalf("status after stream end: %+v", status)
	}
	if got := m.wantedDisconnected(); len(got) != 1 || got[0] != "gate" {
		t.Fatalf("watchdog candidates: %v", got)
	}
}

func TestReconnectRebuildsClient(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := factory.last()
	if err := m.Reconnect(ctx, "gate"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if factory.count() != 2 || factory.last() == first {
		t.Fatalf("client not rebuilt")
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if closed != 1 {
		t.Fatalf("old client closed %d times", closed)
	}
	if m.State("gate") != model.StateStreaming {
		t.Fatalf("state %s", m.State("gate"))
	}
}

func TestReconnectFailureLeavesDisconnected(t *testing.T) {
	m, factory, _ := newTestManager(t)
	factory.next = func() *fakeClient {
		c := newFakeClient()
		c.checkErr = &terminal.Error{Kind: terminal.KindAuth, Op: "check", Status: 401}
		return c
	}
	if err := m.Reconnect(context.Background(), "gate"); terminal.KindOf(err) != terminal.KindAuth {
		t.Fatalf("reconnect error: %v", err)
	}
	if m.State("gate") != model.StateDisconnected {
		t.Fatalf("state %s", m.State("gate"))
	}
}

func TestGetStatusNeverFails(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()

	if st := m.GetStatus(ctx, "nope"); st.ConnectionStatus != model.ConnectionNotFound {
		t.Fatalf("unknown: %+v", st)
	}
	if st := m.GetStatus(ctx, "store"); st.ConnectionStatus != model.ConnectionInactive {
		t.Fatalf("inactive: %+v", st)
	}

	factory.next = func() *fakeClient {
		c := newFakeClient()
		c.checkErr = &terminal.Error{Kind: terminal.KindNetwork, Op: "check"}
		return c
	}
	st := m.GetStatus(ctx, "gate")
	if st.ConnectionStatus != model.ConnectionError || st.ErrorKind != "network" || st.Reason == "" {
		t.Fatalf("unreachable: %+v", st)
	}

	factory.next = nil
	st = m.GetStatus(ctx, "gate")
	if st.ConnectionStatus != model.ConnectionConnected || st.Info == nil || st.Info.Model != "DS-K1T341" {
		t.Fatalf("reachable: %+v", st)
	}
}

func TestStatusCheckDoesNotTouchStreamClient(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := factory.last()
	if st := m.GetStatus(ctx, "gate"); st.ConnectionStatus != model.ConnectionConnected || !st.Subscribed {
		t.Fatalf("status: %+v", st)
	}
	checker := factory.last()
	if checker == stream || factory.count() != 2 {
		t.Fatalf("status check reused the stream client")
	}
	checker.mu.Lock()
	closed := checker.closed
	checker.mu.Unlock()
	if closed != 1 {
		t.Fatalf("status client closed %d times", closed)
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.closed != 0 {
		t.Fatalf("stream client closed")
	}
}

func TestAuthFailureParksDevice(t *testing.T) {
	m, factory, _ := newTestManager(t)
	cfg := config.DefaultConfig()
	cfg.Subscription.ReconnectCooldown = 0
	m.cfg = config.NewStaticManager(cfg)
	factory.next = func() *fakeClient {
		c := newFakeClient()
		c.checkErr = &terminal.Error{Kind: terminal.KindAuth, Op: "check", Status: 401}
		return c
	}
	ctx := context.Background()
	if err := m.Reconnect(ctx, "gate"); !terminal.IsAuth(err) {
		t.Fatalf("reconnect error: %v", err)
	}
	built := factory.count()

	w := NewWatchdog(m, m.cfg, nil)
	for i := 0; i < 5; i++ {
		if n := w.Sweep(ctx); n != 0 {
			t.Fatalf("sweep %d retried bad credentials", i)
		}
	}
	st := m.GetStatus(ctx, "gate")
	if st.ConnectionStatus != model.ConnectionError || st.ErrorKind != string(terminal.KindAuth) || st.Reason == "" {
		t.Fatalf("status: %+v", st)
	}
	if factory.count() != built {
		t.Fatalf("clients built after auth failure: %d", factory.count()-built)
	}

	// An explicit reconnect with fixed credentials clears the parking.
	factory.next = nil
	if err := m.Reconnect(ctx, "gate"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if st := m.GetStatus(ctx, "gate"); st.ConnectionStatus != model.ConnectionConnected {
		t.Fatalf("status after fix: %+v", st)
	}
}

func TestGetAllStatuses(t *testing.T) {
	m, _, _ := newTestManager(t)
	all := m.GetAllStatuses(context.Background())
	if len(all) != 2 {
		t.Fatalf("statuses: %d", len(all))
	}
	for _, st := range all {
		if st.ConnectionStatus == "" {
			t.Fatalf("empty status for %s", st.DeviceID)
		}
	}
}

func TestStopAllToleratesCloseFailures(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.StopAll(ctx)
	c := factory.last()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != 1 {
		t.Fatalf("closed %d times", c.closed)
	}
	if m.State("gate") != model.StateDisconnected {
		t.Fatalf("state %s", m.State("gate"))
	}
}

func TestSyncRecordsIsIdempotent(t *testing.T) {
	m, factory, dir := newTestManager(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	factory.next = func() *fakeClient {
		c := newFakeClient()
		c.records = []model.NormalizedEvent{
			{EmployeeNo: "1001", TypeCode: "5.75", Timestamp: base.Add(8 * time.Hour), Terminal: "192.168.1.64", Source: "pull"},
			{EmployeeNo: "1001", TypeCode: "5.75", Timestamp: base, Terminal: "192.168.1.64", Source: "pull"},
		}
		return c
	}
	ctx := context.Background()
	first, err := m.SyncRecords(ctx, "gate", base.Add(-time.Hour), base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if first.Pulled != 2 || first.Inserted != 2 {
		t.Fatalf("first sync: %+v", first)
	}
	second, err := m.SyncRecords(ctx, "gate", base.Add(-time.Hour), base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Inserted != 0 || second.Duplicates != 2 {
		t.Fatalf("second sync: %+v", second)
	}
	if dir.synced["gate"].IsZero() {
		t.Fatalf("last sync not recorded")
	}
}

func TestWatchdogRespectsCooldown(t *testing.T) {
	m, factory, _ := newTestManager(t)
	factory.next = func() *fakeClient {
		c := newFakeClient()
		c.checkErr = &terminal.Error{Kind: terminal.KindNetwork, Op: "check"}
		return c
	}
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(factory.last().events)
	waitFor(t, "disconnect", func() bool { return m.State("gate") == model.StateDisconnected })

	w := NewWatchdog(m, m.cfg, nil)
	if n := w.Sweep(ctx); n != 1 {
		t.Fatalf("first sweep attempts: %d", n)
	}
	if n := w.Sweep(ctx); n != 0 {
		t.Fatalf("sweep within cooldown attempts: %d", n)
	}
}

func TestWatchdogCooldownHoldsForFlappingStream(t *testing.T) {
	m, factory, _ := newTestManager(t)
	factory.next = func() *fakeClient {
		c := newFakeClient()
		close(c.events)
		return c
	}
	ctx := context.Background()
	if err := m.StartSubscription(ctx, "gate"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "disconnect", func() bool { return m.State("gate") == model.StateDisconnected })

	w := NewWatchdog(m, m.cfg, nil)
	if n := w.Sweep(ctx); n != 1 {
		t.Fatalf("first sweep attempts: %d", n)
	}
	waitFor(t, "stream end after reconnect", func() bool { return len(m.wantedDisconnected()) == 1 })
	for i := 0; i < 4; i++ {
		if n := w.Sweep(ctx); n != 0 {
			t.Fatalf("sweep %d reconnected within cooldown", i)
		}
	}
}

func TestCooldown(t *testing.T) {
	c := NewCooldown()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	if !c.Allow("gate", time.Minute) || c.Allow("gate", time.Minute) {
		t.Fatalf("cooldown not applied")
	}
	now = now.Add(2 * time.Minute)
	if !c.Allow("gate", time.Minute) {
		t.Fatalf("cooldown not expired")
	}
	if !c.Allow("other", 0) || !c.Allow("other", 0) {
		t.Fatalf("zero cooldown blocks")
	}
}
