// Package processmanager boots, watches and kills the processes of a run
// on remote hosts over SSH.
package processmanager

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/authoriser"
	"github.com/goliatone/go-runcontrol/broadcast"
	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/logging"
	"github.com/goliatone/go-runcontrol/metrics"
)

// DefaultLogLines is used when a log request does not say how far back.
const DefaultLogLines = 100

// Manager keeps two tables under one mutex: the boot requests, retained
// so a process can be restarted, and the handles of launched processes.
// Every uuid with a handle has a boot request.
type Manager struct {
	name        string
	session     string
	killTimeout time.Duration
	initial     []runcontrol.BootRequest

	launcher   Launcher
	sink       broadcast.Sink
	sender     *broadcast.Sender
	authoriser authoriser.Authoriser
	metrics    *metrics.Collectors
	logger     logging.Logger
	newUUID    func() string
	sleep      func(context.Context, time.Duration)
	hostInfo   func() string

	mu        sync.Mutex
	processes map[string]Handle
	requests  map[string]runcontrol.BootRequest
	order     []string

	watchers sync.WaitGroup
}

type Option func(*Manager)

func WithLauncher(l Launcher) Option {
	return func(m *Manager) {
		if l != nil {
			m.launcher = l
		}
	}
}

// WithSink replaces the default log sink of the broadcaster.
func WithSink(sink broadcast.Sink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

func WithAuthoriser(a authoriser.Authoriser) Option {
	return func(m *Manager) {
		if a != nil {
			m.authoriser = a
		}
	}
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logging.WithFields(logger, map[string]any{"process_manager": m.name})
		}
	}
}

// WithUUIDs replaces the uuid generator.
func WithUUIDs(next func() string) Option {
	return func(m *Manager) {
		if next != nil {
			m.newUUID = next
		}
	}
}

// WithSleep replaces the wait between kill signals.
func WithSleep(sleep func(context.Context, time.Duration)) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func WithHostInfo(info func() string) Option {
	return func(m *Manager) {
		if info != nil {
			m.hostInfo = info
		}
	}
}

// New validates cfg and builds a manager. Configured boot requests are
// launched by Start.
func New(cfg config.ProcessManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		name:        cfg.Name,
		session:     cfg.Session,
		killTimeout: cfg.KillTimeout,
		initial:     cfg.Boot,
		logger:      logging.Nop(),
		newUUID:     uuid.NewString,
		sleep:       sleepContext,
		hostInfo:    HostInfo,
		processes:   map[string]Handle{},
		requests:    map[string]runcontrol.BootRequest{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if cfg.Broadcast.Enabled() {
		sink, kind := m.sink, "custom"
		if sink == nil {
			sink, kind = broadcast.NewLogSink(m.logger), "log"
		}
		m.sender = broadcast.NewSender(m.name, m.session,
			broadcast.WithSink(sink), broadcast.WithLogger(m.logger), broadcast.WithKind(kind))
	}
	if m.authoriser == nil {
		m.authoriser = authoriser.NewDummy(m.logger)
	}
	if m.launcher == nil {
		launcher, err := NewLauncher(cfg.SSH, m.logger)
		if err != nil {
			return nil, err
		}
		m.launcher = launcher
	}
	m.metrics.SetProcesses(0, 0)
	return m, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (m *Manager) Name() string { return m.name }

// Start boots the configured processes in order and announces the server
// is ready.
func (m *Manager) Start(ctx context.Context) error {
	for _, req := range m.initial {
		if _, err := m.boot(ctx, req, m.newUUID()); err != nil {
			return err
		}
	}
	m.sender.Broadcast(broadcast.ServerReady, "ready")
	return nil
}

// Close kills every process, waits for the watchers and announces the
// shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.logger.Info("Terminating")
	m.killAll(ctx)
	m.watchers.Wait()
	m.sender.Broadcast(broadcast.ServerShutdown, "over_and_out")
}

func (m *Manager) boot(ctx context.Context, req runcontrol.BootRequest, id string) (runcontrol.ProcessInstance, error) {
	meta := req.Description.Metadata
	m.logger.Debug("%s booting '%s' from session '%s'", m.name, meta.Name, meta.Session)
	if len(req.Restriction.AllowedHosts) == 0 {
		return runcontrol.ProcessInstance{}, badQuery("No allowed host provided! bailing")
	}

	m.mu.Lock()
	if _, exists := m.requests[id]; exists {
		m.mu.Unlock()
		return runcontrol.ProcessInstance{}, runcontrol.NewError(runcontrol.ErrDuplicateUUID,
			fmt.Sprintf("Process %s already exists!", id), nil, map[string]any{"uuid": id})
	}
	req.Restriction.AllowedHosts = slices.Clone(req.Restriction.AllowedHosts)
	m.requests[id] = req
	if !slices.Contains(m.order, id) {
		m.order = append(m.order, id)
	}
	m.mu.Unlock()

	line := RemoteLine(req.Description)
	var (
		handle   Handle
		hostname string
	)
	for _, host := range req.Restriction.AllowedHosts {
		hostname = host
		h, err := m.launcher.Launch(ctx, Target{Host: host, User: meta.User, Line: line})
		if err != nil {
			m.logger.Warn("Couldn't start on host %s, reason: %v. Trying on a different host", host, err)
			continue
		}
		handle = h
		break
	}

	m.mu.Lock()
	req.Description.Metadata.Hostname = hostname
	m.requests[id] = req
	if handle != nil {
		m.processes[id] = handle
	}
	m.mu.Unlock()
	m.updateMetrics()

	instance := runcontrol.ProcessInstance{UUID: id, Description: req.Description, StatusCode: runcontrol.ProcessDead}
	if handle == nil {
		m.logger.Error("could not boot '%s' on any of %v", meta.Name, req.Restriction.AllowedHosts)
		return instance, nil
	}
	m.watch(meta, handle)
	m.logger.Info("Booted '%s' from session '%s' with UUID %s", meta.Name, meta.Session, id)
	if handle.Alive() {
		instance.StatusCode = runcontrol.ProcessRunning
	} else {
		instance.ReturnCode = handle.ExitCode()
	}
	return instance, nil
}

// watch waits for the process in the background. The watcher does not
// touch the tables.
func (m *Manager) watch(meta runcontrol.ProcessMetadata, handle Handle) {
	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		code, err := handle.Wait()
		if err != nil {
			m.logger.Debug("%s: %v", meta.Name, err)
		}
		m.notifyJoin(meta, code)
	}()
}

func (m *Manager) notifyJoin(meta runcontrol.ProcessMetadata, code int) {
	text := fmt.Sprintf("Process '%s' (session: '%s', user: '%s') process exited with exit code %d",
		meta.Name, meta.Session, meta.User, code)
	m.logger.Info("%s", text)
	m.sender.Broadcast(broadcast.SubprocessStatusUpdate, text)
	m.updateMetrics()
}

// kill escalates SIGQUIT then SIGKILL on every uuid, concurrently, and
// removes them from the process table. Results follow the order of ids.
func (m *Manager) kill(ctx context.Context, ids []string) []runcontrol.ProcessInstance {
	type target struct {
		handle Handle
		req    runcontrol.BootRequest
	}
	m.mu.Lock()
	targets := make([]target, len(ids))
	for i, id := range ids {
		targets[i] = target{handle: m.processes[id], req: m.requests[id]}
	}
	m.mu.Unlock()

	out := make([]runcontrol.ProcessInstance, len(ids))
	var group errgroup.Group
	for i, id := range ids {
		t := targets[i]
		group.Go(func() error {
			name := t.req.Description.Metadata.Name
			if t.handle != nil && t.handle.Alive() {
				m.escalate(ctx, id, name, t.handle)
			}
			instance := runcontrol.ProcessInstance{UUID: id, Description: t.req.Description, StatusCode: runcontrol.ProcessDead}
			if t.handle != nil && !t.handle.Alive() {
				instance.ReturnCode = t.handle.ExitCode()
			}
			out[i] = instance
			return nil
		})
	}
	_ = group.Wait()

	m.mu.Lock()
	for _, id := range ids {
		delete(m.processes, id)
	}
	m.mu.Unlock()
	m.updateMetrics()
	return out
}

var killSequence = []Signal{SignalQuit, SignalKill}

func (m *Manager) escalate(ctx context.Context, id, name string, handle Handle) {
	for _, sig := range killSequence {
		if !handle.Alive() {
			m.logger.Info("Killed '%s' with UUID %s", name, id)
			return
		}
		m.logger.Debug("Sending signal '%s' to '%s' with UUID %s", sig, name, id)
		if err := handle.Signal(sig); err != nil {
			m.logger.Warn("could not send %s to '%s': %v", sig, name, err)
		}
		m.metrics.ObserveSignal(sig.String())
		if !handle.Alive() {
			return
		}
		m.sleep(ctx, m.killTimeout)
	}
}

func (m *Manager) killAll(ctx context.Context) []runcontrol.ProcessInstance {
	ids := m.resolve(runcontrol.ProcessQuery{}, storeProcesses, true)
	if len(ids) == 0 {
		m.logger.Info("No known process to kill")
		return nil
	}
	m.logger.Info("Killing all the known processes")
	return m.kill(ctx, ids)
}

func (m *Manager) restart(ctx context.Context, query runcontrol.ProcessQuery) (runcontrol.ProcessInstance, error) {
	id, err := m.ensureOne(m.resolve(query, storeBootRequests, false), storeBootRequests)
	if err != nil {
		return runcontrol.ProcessInstance{}, err
	}
	m.mu.Lock()
	req := m.requests[id]
	handle := m.processes[id]
	m.mu.Unlock()

	m.logger.Info("%s restarting '%s' in session %s", m.name, req.Description.Metadata.Name, m.session)
	if handle != nil && handle.Alive() {
		m.escalate(ctx, id, req.Description.Metadata.Name, handle)
	}

	// the uuid keeps its place in the boot order
	m.mu.Lock()
	delete(m.processes, id)
	delete(m.requests, id)
	m.mu.Unlock()

	return m.boot(ctx, req, id)
}

func (m *Manager) ps(query runcontrol.ProcessQuery) []runcontrol.ProcessInstance {
	ids := m.resolve(query, storeProcesses, false)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runcontrol.ProcessInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.instanceLocked(id))
	}
	return out
}

// flush drops dead matches from the process table and reports them.
func (m *Manager) flush(query runcontrol.ProcessQuery) []runcontrol.ProcessInstance {
	ids := m.resolve(query, storeProcesses, false)
	m.mu.Lock()
	out := make([]runcontrol.ProcessInstance, 0, len(ids))
	for _, id := range ids {
		handle, ok := m.processes[id]
		if ok && handle.Alive() {
			continue
		}
		out = append(out, m.instanceLocked(id))
		delete(m.processes, id)
	}
	m.mu.Unlock()
	m.updateMetrics()
	return out
}

func (m *Manager) instanceLocked(id string) runcontrol.ProcessInstance {
	req, ok := m.requests[id]
	if !ok {
		return runcontrol.ProcessInstance{UUID: id, StatusCode: runcontrol.ProcessDead}
	}
	instance := runcontrol.ProcessInstance{UUID: id, Description: req.Description, StatusCode: runcontrol.ProcessDead}
	handle, ok := m.processes[id]
	switch {
	case !ok:
	case handle.Alive():
		instance.StatusCode = runcontrol.ProcessRunning
	default:
		instance.ReturnCode = handle.ExitCode()
	}
	return instance
}

func (m *Manager) logs(ctx context.Context, req runcontrol.LogRequest) ([]runcontrol.LogLine, error) {
	m.logger.Debug("Retrieving logs for %+v", req.Query)
	id, err := m.ensureOne(m.resolve(req.Query, storeProcesses, false), storeProcesses)
	if err != nil {
		return nil, err
	}
	lines := req.HowFar
	if lines <= 0 {
		lines = DefaultLogLines
	}
	m.mu.Lock()
	desc := m.requests[id].Description
	m.mu.Unlock()

	target := Target{Host: desc.Metadata.Hostname, User: desc.Metadata.User}
	tail, err := m.launcher.Tail(ctx, target, desc.ProcessLogsPath, lines)
	if err != nil {
		return []runcontrol.LogLine{{UUID: id, Line: fmt.Sprintf("Could not retrieve logs: %v", err)}}, nil
	}
	out := make([]runcontrol.LogLine, 0, len(tail))
	for _, line := range tail {
		out = append(out, runcontrol.LogLine{UUID: id, Line: line})
	}
	return out, nil
}

type store int

const (
	storeProcesses store = iota
	storeBootRequests
)

func (s store) String() string {
	if s == storeBootRequests {
		return "boot requests"
	}
	return "process store"
}

// resolve returns, in boot order, the uuids of the chosen table matching
// any populated field of query. all selects every uuid regardless.
func (m *Manager) resolve(query runcontrol.ProcessQuery, in store, all bool) []string {
	names := make([]*regexp.Regexp, 0, len(query.Names))
	for _, name := range query.Names {
		re, err := regexp.Compile(name)
		if err != nil {
			m.logger.Warn("ignoring invalid name selector %q: %v", name, err)
			continue
		}
		names = append(names, re)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		if in == storeProcesses {
			if _, ok := m.processes[id]; !ok {
				continue
			}
		}
		if all || matches(id, m.requests[id].Description.Metadata, query, names) {
			out = append(out, id)
		}
	}
	return out
}

func matches(id string, meta runcontrol.ProcessMetadata, query runcontrol.ProcessQuery, names []*regexp.Regexp) bool {
	if slices.Contains(query.UUIDs, id) {
		return true
	}
	for _, re := range names {
		if re.MatchString(meta.Name) {
			return true
		}
	}
	if query.Session != "" && query.Session == meta.Session {
		return true
	}
	return query.User != "" && query.User == meta.User
}

func (m *Manager) ensureOne(ids []string, in store) (string, error) {
	switch {
	case len(ids) == 0:
		return "", badQuery("The process corresponding to the query doesn't exist")
	case len(ids) > 1:
		return "", badQuery("There are more than 1 processes corresponding to the query")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var found bool
	if in == storeBootRequests {
		_, found = m.requests[ids[0]]
	} else {
		_, found = m.processes[ids[0]]
	}
	if !found {
		return "", badQuery(fmt.Sprintf("Couldn't find the process corresponding to the UUID %s in the %s", ids[0], in))
	}
	return ids[0], nil
}

func badQuery(message string) error {
	return runcontrol.NewError(runcontrol.ErrBadQuery, message, nil, nil)
}

func (m *Manager) updateMetrics() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	var running, dead int
	for _, handle := range m.processes {
		if handle.Alive() {
			running++
		} else {
			dead++
		}
	}
	m.mu.Unlock()
	m.metrics.SetProcesses(running, dead)
}
