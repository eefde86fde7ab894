// Package subscription owns the terminal clients and the per-device
// streaming tasks.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"attendsync/internal/config"
	"attendsync/internal/credentials"
	"attendsync/internal/directory"
	"attendsync/internal/ingest"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/model"
	"attendsync/internal/terminal"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceInactive = errors.New("device inactive")
	ErrCredentials    = errors.New("device credentials unusable")
)

const syncMaxRecords = 10000

// Client is the slice of the terminal client the manager drives.
type Client interface {
	CheckConnection(ctx context.Context) error
	GetDeviceInfo(ctx context.Context) model.DeviceInfo
	SubscribeToEvents(ctx context.Context, eventTypes []string) error
	StreamEvents(ctx context.Context, sink terminal.EventSink) terminal.StreamResult
	GetAttendanceRecords(ctx context.Context, start, end time.Time, maxRecords int) ([]model.NormalizedEvent, error)
	Close() error
}

type ClientFactory interface {
	NewClient(dev model.Device, password string) (Client, error)
}

// TerminalFactory builds terminal clients from the config snapshot current
// at call time, so a reload takes effect on the next reconnect.
type TerminalFactory struct {
	Config *config.Manager
	Logger *slog.Logger
}

func (f TerminalFactory) NewClient(dev model.Device, password string) (Client, error) {
	c, err := terminal.New(dev, password, terminal.OptionsFromConfig(f.Config.Get(), f.Logger))
	if err != nil {
		return nil, err
	}
	return c, nil
}

type DeviceDirectory interface {
	Device(ctx context.Context, id string) (model.Device, error)
	Devices(ctx context.Context) ([]model.Device, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// Sink is where streamed and pulled events go. Accept serializes events
// per terminal itself, so streams, syncs and pushes may call it at once.
type Sink interface {
	terminal.EventSink
	Accept(ctx context.Context, ev model.NormalizedEvent) ingest.Result
}

type deviceState struct {
	client Client
	cancel context.CancelFunc
	// done is non-nil while a stream task runs and closes when it exits.
	done chan struct{}
	// stopping is the done channel of a task that was cancelled but whose
	// exit the stopper did not see.
	stopping chan struct{}
	state    model.SubscriptionState
	// wanted marks devices the watchdog should keep streaming.
	wanted    bool
	lastEvent time.Time
	lastEnd   terminal.StreamEnd
	lastErr   string
	// lastKind is the classification of lastErr. Auth failures park the
	// device until an explicit start or reconnect.
	lastKind terminal.Kind
}

type Manager struct {
	devices DeviceDirectory
	decrypt credentials.Decryptor
	factory ClientFactory
	sink    Sink
	cfg     *config.Manager
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	states map[string]*deviceState
}

type Options struct {
	Devices   DeviceDirectory
	Decryptor credentials.Decryptor
	Factory   ClientFactory
	Sink      Sink
	Config    *config.Manager
	Logger    *slog.Logger
}

func NewManager(opts Options) *Manager {
	logger := logging.OrDiscard(opts.Logger)
	factory := opts.Factory
	if factory == nil {
		factory = TerminalFactory{Config: opts.Config, Logger: logger}
	}
	decrypt := opts.Decryptor
	if decrypt == nil {
		decrypt = credentials.Plain{}
	}
	return &Manager{
		devices: opts.Devices,
		decrypt: decrypt,
		factory: factory,
		sink:    opts.Sink,
		cfg:     opts.Config,
		logger:  logger,
		now:     time.Now,
		states:  make(map[string]*deviceState),
	}
}

// StartSubscription begins streaming from the device. Calling it while a
// stream is already running is a no-op.
func (m *Manager) StartSubscription(ctx context.Context, id string) error {
	dev, err := m.device(ctx, id)
	if err != nil {
		return err
	}
	if err := m.awaitStopped(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(id)
	st.wanted = true
	if st.done != nil {
		return nil
	}
	client, err := m.clientLocked(dev, st)
	if err != nil {
		st.lastErr = err.Error()
		return err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	st.cancel, st.done = cancel, done
	st.lastErr, st.lastKind = "", ""
	m.setStateLocked(id, st, model.StateStreaming)
	go m.run(streamCtx, id, st, client, done)
	return nil
}

// StopSubscription cancels the device's stream and waits for the task to
// exit, so an immediate restart cannot overlap it.
func (m *Manager) StopSubscription(ctx context.Context, id string) error {
	return m.stop(ctx, id, false)
}

func (m *Manager) stop(ctx context.Context, id string, keepWanted bool) error {
	m.mu.Lock()
	st := m.states[id]
	if st == nil {
		m.mu.Unlock()
		return nil
	}
	if !keepWanted {
		st.wanted = false
	}
	if st.done == nil {
		m.mu.Unlock()
		return m.awaitStopped(ctx, id)
	}
	cancel, done := st.cancel, st.done
	st.cancel, st.done, st.stopping = nil, nil, done
	m.setStateLocked(id, st, model.StateDisconnected)
	m.mu.Unlock()

	cancel()
	return m.awaitStopped(ctx, id)
}

func (m *Manager) awaitStopped(ctx context.Context, id string) error {
	m.mu.RLock()
	var stopping chan struct{}
	if st := m.states[id]; st != nil {
		stopping = st.stopping
	}
	m.mu.RUnlock()
	if stopping == nil {
		return nil
	}
	select {
	case <-stopping:
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", id, ctx.Err())
	}
	m.mu.Lock()
	if st := m.states[id]; st != nil && st.stopping == stopping {
		st.stopping = nil
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) run(ctx context.Context, id string, st *deviceState, client Client, done chan struct{}) {
	defer close(done)
	if err := client.SubscribeToEvents(ctx, m.cfg.Get().Terminal.EventTypes); err != nil && ctx.Err() == nil {
		m.logger.Warn("subscribe failed, opening stream anyway", "device_id", id, "err", err)
	}
	m.logger.Info("event stream started", "device_id", id)
	res := client.StreamEvents(ctx, &trackingSink{m: m, st: st})
	m.logger.Info("event stream ended", "device_id", id, "end", res.End,
		"events", res.Events, "heartbeats", res.Heartbeats, "skipped", res.Skipped, "err", res.Err)

	m.mu.Lock()
	defer m.mu.Unlock()
	st.lastEnd = res.End
	if res.Err != nil {
		st.lastErr = res.Err.Error()
		st.lastKind = terminal.KindOf(res.Err)
		if terminal.IsAuth(res.Err) {
			st.wanted = false
		}
	}
	// A stop or reconnect already took ownership of the state.
	if st.done != done {
		return
	}
	st.cancel()
	st.cancel, st.done = nil, nil
	m.setStateLocked(id, st, model.StateDisconnected)
}

// trackingSink records when the device last delivered an event.
type trackingSink struct {
	m  *Manager
	st *deviceState
}

func (t *trackingSink) HandleEvent(ctx context.Context, ev model.NormalizedEvent) {
	t.m.sink.HandleEvent(ctx, ev)
	t.m.mu.Lock()
	t.st.lastEvent = t.m.now().UTC()
	t.m.mu.Unlock()
}

// Reconnect tears the device down and builds it again from its current
// credentials: stop, discard the client, rebuild, verify reachability,
// start. A failure leaves the device disconnected; an auth failure also
// takes it off the watchdog's list, since retrying cannot succeed until
// the credentials change.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	err := m.reconnect(ctx, id)
	result := "succeeded"
	if err != nil {
		result = "failed"
		m.logger.Warn("reconnect failed", "device_id", id, "err", err)
	} else {
		m.logger.Info("reconnected", "device_id", id)
	}
	metrics.Reconnects.WithLabelValues(id, result).Inc()
	return err
}

func (m *Manager) reconnect(ctx context.Context, id string) error {
	dev, err := m.device(ctx, id)
	if err != nil {
		// Removed or deactivated devices drop out of the watchdog.
		m.mu.Lock()
		if st := m.states[id]; st != nil {
			st.wanted = false
		}
		m.mu.Unlock()
		return err
	}
	if err := m.stop(ctx, id, true); err != nil {
		return err
	}

	m.mu.Lock()
	st := m.stateLocked(id)
	st.wanted = true
	old := st.client
	st.client = nil
	m.setStateLocked(id, st, model.StateReconnecting)
	m.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("close client failed", "device_id", id, "err", err)
		}
	}

	client, err := m.newClient(dev)
	if err == nil {
		if err = client.CheckConnection(ctx); err != nil {
			_ = client.Close()
		}
	}
	if err != nil {
		m.mu.Lock()
		st.lastErr = err.Error()
		st.lastKind = terminal.KindOf(err)
		if terminal.IsAuth(err) || errors.Is(err, ErrCredentials) {
			st.wanted = false
		}
		m.setStateLocked(id, st, model.StateDisconnected)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if st.client == nil {
		st.client = client
	} else {
		_ = client.Close()
	}
	m.mu.Unlock()
	return m.StartSubscription(ctx, id)
}

// GetStatus never fails: lookup and reachability problems are reported in
// the returned status. The check runs on a short-lived client so it never
// shares the stream's connection. A device parked by an auth failure is
// reported from its last error without logging in again.
func (m *Manager) GetStatus(ctx context.Context, id string) model.DeviceStatus {
	status := model.DeviceStatus{DeviceID: id, State: model.StateDisconnected}
	dev, err := m.devices.Device(ctx, id)
	if err != nil {
		status.ConnectionStatus = model.ConnectionError
		if errors.Is(err, directory.ErrNotFound) {
			status.ConnectionStatus = model.ConnectionNotFound
		}
		status.Reason = err.Error()
		return status
	}
	status.Name = dev.Name
	status.Address = dev.Address
	status.Kind = dev.Kind
	status.Active = dev.Active
	status.LastSync = dev.LastSync

	m.mu.Lock()
	st := m.stateLocked(id)
	status.State = st.state
	status.Subscribed = st.done != nil
	status.LastEventAt = st.lastEvent
	parked := st.done == nil && (st.lastKind == terminal.KindAuth || st.lastKind == terminal.KindForbidden)
	lastKind, lastErr := st.lastKind, st.lastErr
	m.mu.Unlock()

	if !dev.Active {
		status.ConnectionStatus = model.ConnectionInactive
		return status
	}
	if parked {
		status.ConnectionStatus = model.ConnectionError
		status.ErrorKind = string(lastKind)
		status.Reason = lastErr
		return status
	}
	client, err := m.newClient(dev)
	if err != nil {
		status.ConnectionStatus = model.ConnectionError
		status.ErrorKind = string(terminal.KindData)
		status.Reason = err.Error()
		return status
	}
	defer m.closeQuietly(id, client)
	if err := client.CheckConnection(ctx); err != nil {
		status.ConnectionStatus = model.ConnectionError
		status.ErrorKind = string(terminal.KindOf(err))
		status.Reason = err.Error()
		return status
	}
	info := client.GetDeviceInfo(ctx)
	status.ConnectionStatus = model.ConnectionConnected
	status.Info = &info
	return status
}

// GetAllStatuses probes every configured device with bounded concurrency.
func (m *Manager) GetAllStatuses(ctx context.Context) []model.DeviceStatus {
	devs, err := m.devices.Devices(ctx)
	if err != nil {
		m.logger.Warn("list devices failed", "err", err)
		return []model.DeviceStatus{}
	}
	out := make([]model.DeviceStatus, len(devs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Get().Subscription.StatusConcurrency)
	for i, dev := range devs {
		g.Go(func() error {
			out[i] = m.GetStatus(gctx, dev.ID)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// StartAll starts every active device and returns how many are streaming.
func (m *Manager) StartAll(ctx context.Context) int {
	devs, err := m.devices.Devices(ctx)
	if err != nil {
		m.logger.Warn("list devices failed", "err", err)
		return 0
	}
	started := 0
	for _, dev := range devs {
		if !dev.Active {
			continue
		}
		if err := m.StartSubscription(ctx, dev.ID); err != nil {
			m.logger.Warn("start subscription failed", "device_id", dev.ID, "err", err)
			continue
		}
		started++
	}
	return started
}

// StopAll stops every stream, then closes every client. Failures are
// logged and do not interrupt the loop.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := m.stop(ctx, id, true); err != nil {
			m.logger.Warn("stop subscription failed", "device_id", id, "err", err)
		}
	}
	m.mu.Lock()
	clients := make(map[string]Client, len(ids))
	for id, st := range m.states {
		if st.client != nil {
			clients[id] = st.client
			st.client = nil
		}
	}
	m.mu.Unlock()
	for id, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("close client failed", "device_id", id, "err", err)
		}
	}
	m.logger.Info("all subscriptions stopped", "devices", len(ids))
}

// State reports the device's subscription state without probing it.
func (m *Manager) State(id string) model.SubscriptionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st := m.states[id]; st != nil {
		return st.state
	}
	return model.StateDisconnected
}

type SyncResult struct {
	DeviceID   string    `json:"device_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Pulled     int       `json:"pulled"`
	Inserted   int       `json:"inserted"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
}

// SyncRecords pulls the terminal's stored events for [from, to] and runs
// them through the sink oldest first. Records already stored are counted
// as duplicates, so repeating a sync inserts nothing. The pull uses its
// own client, closed when the sync returns.
func (m *Manager) SyncRecords(ctx context.Context, id string, from, to time.Time) (SyncResult, error) {
	res := SyncResult{DeviceID: id, From: from.UTC(), To: to.UTC()}
	dev, err := m.device(ctx, id)
	if err != nil {
		return res, err
	}
	client, err := m.newClient(dev)
	if err != nil {
		return res, err
	}
	defer m.closeQuietly(id, client)

	records, err := client.GetAttendanceRecords(ctx, from, to, syncMaxRecords)
	if err != nil {
		metrics.SyncedRecords.WithLabelValues("error").Inc()
		return res, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	res.Pulled = len(records)

	for _, ev := range records {
		out := m.sink.Accept(ctx, ev)
		switch {
		case out.Err != nil:
			res.Failed++
		case out.Inserted:
			res.Inserted++
		default:
			res.Duplicates++
		}
	}

	metrics.SyncedRecords.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.SyncedRecords.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	metrics.SyncedRecords.WithLabelValues("failed").Add(float64(res.Failed))
	if err := m.devices.MarkSynced(ctx, id, m.now()); err != nil {
		m.logger.Warn("mark synced failed", "device_id", id, "err", err)
	}
	m.logger.Info("records synced", "device_id", id, "pulled", res.Pulled,
		"inserted", res.Inserted, "duplicates", res.Duplicates, "failed", res.Failed)
	return res, nil
}

// wantedDisconnected lists devices the watchdog should bring back.
func (m *Manager) wantedDisconnected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, st := range m.states {
		if st.wanted && st.done == nil && st.state == model.StateDisconnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) device(ctx context.Context, id string) (model.Device, error) {
	dev, err := m.devices.Device(ctx, id)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return model.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return model.Device{}, fmt.Errorf("lookup device %s: %w", id, err)
	}
	if !dev.Active {
		return model.Device{}, fmt.Errorf("%w: %s", ErrDeviceInactive, id)
	}
	return dev, nil
}

func (m *Manager) stateLocked(id string) *deviceState {
	st := m.states[id]
	if st == nil {
		st = &deviceState{state: model.StateDisconnected}
		m.states[id] = st
	}
	return st
}

func (m *Manager) clientLocked(dev model.Device, st *deviceState) (Client, error) {
	if st.client != nil {
		return st.client, nil
	}
	c, err := m.newClient(dev)
	if err != nil {
		return nil, err
	}
	st.client = c
	return c, nil
}

func (m *Manager) newClient(dev model.Device) (Client, error) {
	var password string
	if len(dev.PasswordCipher) > 0 {
		p, err := m.decrypt.Decrypt(dev.PasswordCipher)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCredentials, dev.ID, err)
		}
		password = p
	}
	return m.factory.NewClient(dev, password)
}

func (m *Manager) closeQuietly(id string, c Client) {
	if err := c.Close(); err != nil {
		m.logger.Debug("close client failed", "device_id", id, "err", err)
	}
}

func (m *Manager) setStateLocked(id string, st *deviceState, state model.SubscriptionState) {
	st.state = state
	metrics.SubscriptionState.WithLabelValues(id).Set(stateValue(state))
}

func stateValue(s model.SubscriptionState) float64 {
	switch s {
	case model.StateStreaming:
		return 1
	case model.StateReconnecting:
		return 2
	default:
		return 0
	}
}
