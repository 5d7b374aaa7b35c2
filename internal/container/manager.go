package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"capman/internal/api"
	"capman/internal/report"
	"capman/pkg/logging"
	pkgstrings "capman/pkg/strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const subsystem = "ContainerManager"

const (
	portRangeStart = 8080
	portRangeEnd   = 8999

	defaultContainerPort = 8080
	defaultHealthPath    = "/health"
	defaultExecEndpoint  = "/execute"

	stopGraceSeconds = 10
	monitorInterval  = 30 * time.Second
)

// InstanceStatus tracks where an instance is in its lifecycle.
type InstanceStatus string

const (
	StatusBuilding InstanceStatus = "building"
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
	StatusError    InstanceStatus = "error"
)

// HealthState is the monitor's last observation of an instance.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Instance is the record the manager keeps per started container.
type Instance struct {
	ID          string         `json:"id"`
	ContainerID string         `json:"containerId"`
	PluginID    string         `json:"pluginId"`
	Image       string         `json:"image"`
	HostPort    int            `json:"hostPort"`
	Status      InstanceStatus `json:"status"`
	Health      HealthState    `json:"health"`
	StartedAt   time.Time      `json:"startedAt"`

	healthPath string
	hostPorts  []int
}

// ExecutionContext identifies the invocation a container request belongs to.
type ExecutionContext struct {
	TraceID  string `json:"traceId"`
	PluginID string `json:"pluginId"`
	Version  string `json:"version"`
}

// ExecutionRequest is the body POSTed to a plugin container.
type ExecutionRequest struct {
	Inputs  map[string]api.InputValue `json:"inputs"`
	Context ExecutionContext          `json:"context"`
}

// ExecutionResult is the outcome of one container invocation. Transport
// failures are folded in as Success=false rather than a Go error.
type ExecutionResult struct {
	Success       bool               `json:"success"`
	Outputs       []api.PluginOutput `json:"outputs,omitempty"`
	Error         string             `json:"error,omitempty"`
	ExecutionTime time.Duration      `json:"executionTime"`
}

// containerResponse is the wire shape a plugin container answers with.
type containerResponse struct {
	Success bool               `json:"success"`
	Outputs []api.PluginOutput `json:"outputs"`
	Error   string             `json:"error,omitempty"`
}

// Manager owns the port pool and the instance table.
type Manager struct {
	runtime ContainerRuntime
	client  *http.Client

	mu        sync.Mutex
	usedPorts map[int]bool
	instances map[string]*Instance

	// readyAttempts and readyInterval govern waitForReady; shortened in
	// tests.
	readyAttempts int
	readyInterval time.Duration

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewManager creates a Manager on top of a runtime. Call StartHealthMonitor
// to begin background probing and Cleanup on shutdown.
func NewManager(runtime ContainerRuntime) *Manager {
	return &Manager{
		runtime:       runtime,
		client:        &http.Client{Timeout: 5 * time.Second},
		usedPorts:     make(map[int]bool),
		instances:     make(map[string]*Instance),
		readyAttempts: 30,
		readyInterval: time.Second,
	}
}

// allocatePort returns the lowest free port in the pool.
func (m *Manager) allocatePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := portRangeStart; p <= portRangeEnd; p++ {
		if !m.usedPorts[p] {
			m.usedPorts[p] = true
			return p, nil
		}
	}
	return 0, report.New(report.CodeNoAvailablePorts,
		fmt.Sprintf("no free ports in range [%d, %d]", portRangeStart, portRangeEnd),
		report.Opts{Source: subsystem, HTTPStatus: 503})
}

func (m *Manager) releasePorts(ports []int) {
	m.mu.Lock()
	for _, p := range ports {
		delete(m.usedPorts, p)
	}
	m.mu.Unlock()
}

// BuildImage builds the plugin's image from the dockerfile inside the bundle.
func (m *Manager) BuildImage(ctx context.Context, manifest *api.PluginManifest, bundleRoot string) error {
	cc := manifest.Container
	if cc == nil || cc.Image == "" {
		return report.Newf(report.CodeContainerBuildFailed, subsystem,
			"plugin %s has no container configuration", manifest.ID)
	}

	contextDir := bundleRoot
	if cc.BuildContext != "" {
		contextDir = cc.BuildContext
	}
	if err := m.runtime.BuildImage(ctx, contextDir, cc.Dockerfile, cc.Image); err != nil {
		return report.New(report.CodeContainerBuildFailed,
			fmt.Sprintf("image build failed for plugin %s", manifest.ID),
			report.Opts{Source: subsystem, Cause: err})
	}
	return nil
}

// Start creates a container for the manifest, waits for it to become ready
// and returns the instance record in status running. On readiness failure the
// container is torn down, the ports are released and the error raised.
func (m *Manager) Start(ctx context.Context, manifest *api.PluginManifest, env map[string]string) (*Instance, error) {
	cc := manifest.Container
	if cc == nil {
		return nil, report.Newf(report.CodeContainerStartFailed, subsystem,
			"plugin %s has no container configuration", manifest.ID)
	}

	mappings := cc.Ports
	if len(mappings) == 0 {
		mappings = []api.PortMapping{{ContainerPort: defaultContainerPort}}
	}

	var (
		ports     []string
		hostPorts []int
		apiPort   int
	)
	for i, pm := range mappings {
		hostPort := pm.HostPort
		if hostPort == 0 {
			p, err := m.allocatePort()
			if err != nil {
				m.releasePorts(hostPorts)
				return nil, err
			}
			hostPort = p
			hostPorts = append(hostPorts, p)
		}
		if i == 0 {
			// The first mapping carries the plugin's API.
			apiPort = hostPort
		}
		ports = append(ports, fmt.Sprintf("%d:%d", hostPort, pm.ContainerPort))
	}

	inst := &Instance{
		ID:        uuid.NewString(),
		PluginID:  manifest.ID,
		Image:     cc.Image,
		HostPort:  apiPort,
		Status:    StatusStarting,
		Health:    HealthUnknown,
		StartedAt: time.Now().UTC(),
		hostPorts: hostPorts,
	}

	inst.healthPath = defaultHealthPath
	if cc.HealthCheck != nil && cc.HealthCheck.Path != "" {
		inst.healthPath = cc.HealthCheck.Path
	}

	spec := RunSpec{
		Name:   fmt.Sprintf("capman-%s-%s", manifest.Verb, inst.ID[:8]),
		Image:  cc.Image,
		Env:    env,
		Ports:  ports,
		Memory: cc.Memory,
	}
	if cc.CPU > 0 {
		spec.CPUShares = int(cc.CPU * 1024)
	}

	containerID, err := m.runtime.StartContainer(ctx, spec)
	if err != nil {
		m.releasePorts(hostPorts)
		return nil, report.New(report.CodeContainerStartFailed,
			fmt.Sprintf("failed to start container for plugin %s", manifest.ID),
			report.Opts{Source: subsystem, Cause: err})
	}
	inst.ContainerID = containerID

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	logging.Info(subsystem, "Started instance %s for plugin %s on port %d", inst.ID, manifest.ID, inst.HostPort)

	if err := m.waitForReady(ctx, inst); err != nil {
		m.setStatus(inst.ID, StatusError)
		_ = m.Stop(context.WithoutCancel(ctx), inst.ID)
		return nil, err
	}

	m.setStatus(inst.ID, StatusRunning)
	inst.Status = StatusRunning
	return inst, nil
}

// waitForReady polls the health path once per interval until the container
// answers healthy or the attempts are exhausted.
func (m *Manager) waitForReady(ctx context.Context, inst *Instance) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", inst.HostPort, inst.healthPath)

	for attempt := 1; attempt <= m.readyAttempts; attempt++ {
		if m.probe(ctx, url) {
			logging.Debug(subsystem, "Instance %s healthy after %d attempts", inst.ID, attempt)
			return nil
		}
		select {
		case <-ctx.Done():
			return report.New(report.CodeContainerHealthFailed,
				fmt.Sprintf("readiness wait for instance %s cancelled", inst.ID),
				report.Opts{Source: subsystem, Cause: ctx.Err()})
		case <-time.After(m.readyInterval):
		}
	}

	return report.New(report.CodeContainerHealthFailed,
		fmt.Sprintf("instance %s for plugin %s never became healthy", inst.ID, inst.PluginID),
		report.Opts{Source: subsystem})
}

// probe issues one health request and reports whether the instance answered
// 200 with body status=healthy.
func (m *Manager) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

// Execute POSTs the invocation to the instance's endpoint and decodes the
// outputs. Transport errors and non-2xx answers come back as a failed result,
// not a Go error.
func (m *Manager) Execute(ctx context.Context, instanceID, endpoint string, execReq ExecutionRequest) (*ExecutionResult, error) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, report.New(report.CodeContainerNotFound,
			fmt.Sprintf("no instance %s", instanceID),
			report.Opts{Source: subsystem, HTTPStatus: 404})
	}

	if endpoint == "" {
		endpoint = defaultExecEndpoint
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", inst.HostPort, endpoint)

	payload, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return &ExecutionResult{
			Success:       false,
			Error:         fmt.Sprintf("container request failed: %v", err),
			ExecutionTime: time.Since(start),
		}, nil
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ExecutionResult{
			Success:       false,
			Error:         fmt.Sprintf("container answered %d: %s", resp.StatusCode, pkgstrings.Truncate(string(body), 512)),
			ExecutionTime: elapsed,
		}, nil
	}

	var decoded containerResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return &ExecutionResult{
			Success:       false,
			Error:         fmt.Sprintf("malformed container response: %v", err),
			ExecutionTime: elapsed,
		}, nil
	}

	return &ExecutionResult{
		Success:       decoded.Success,
		Outputs:       decoded.Outputs,
		Error:         decoded.Error,
		ExecutionTime: elapsed,
	}, nil
}

// Stop tears an instance down: engine stop with grace, remove, release ports
// and drop the record. Engine failures are logged but the ports and the
// record are always released.
func (m *Manager) Stop(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if ok {
		inst.Status = StatusStopping
	}
	m.mu.Unlock()
	if !ok {
		return report.New(report.CodeContainerNotFound,
			fmt.Sprintf("no instance %s", instanceID),
			report.Opts{Source: subsystem, HTTPStatus: 404})
	}

	if err := m.runtime.StopContainer(ctx, inst.ContainerID, stopGraceSeconds); err != nil {
		logging.Warn(subsystem, "Stop of instance %s failed: %v", instanceID, err)
	}
	if err := m.runtime.RemoveContainer(ctx, inst.ContainerID); err != nil {
		logging.Warn(subsystem, "Removal of instance %s failed: %v", instanceID, err)
	}

	m.mu.Lock()
	for _, p := range inst.hostPorts {
		delete(m.usedPorts, p)
	}
	delete(m.instances, instanceID)
	m.mu.Unlock()

	logging.Info(subsystem, "Stopped instance %s (plugin %s)", instanceID, inst.PluginID)
	return nil
}

func (m *Manager) setStatus(instanceID string, status InstanceStatus) {
	m.mu.Lock()
	if inst, ok := m.instances[instanceID]; ok {
		inst.Status = status
	}
	m.mu.Unlock()
}

// Instances returns a snapshot of the instance table.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		copied := *inst
		out = append(out, &copied)
	}
	return out
}

// StartHealthMonitor launches the background prober. Each tick probes every
// running instance's health path and records the observation; unhealthy
// instances are marked, not restarted.
func (m *Manager) StartHealthMonitor(ctx context.Context) {
	monitorCtx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})

	go func() {
		defer close(m.monitorDone)
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				m.probeAll(monitorCtx)
			}
		}
	}()
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.Lock()
	targets := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.Status == StatusRunning {
			targets = append(targets, inst)
		}
	}
	m.mu.Unlock()

	logging.Debug(subsystem, "Health monitor probing %d instances", len(targets))
	for _, inst := range targets {
		url := fmt.Sprintf("http://127.0.0.1:%d%s", inst.HostPort, inst.healthPath)
		health := HealthUnhealthy
		if m.probe(ctx, url) {
			health = HealthHealthy
		}
		m.mu.Lock()
		if live, ok := m.instances[inst.ID]; ok {
			if live.Health != health {
				logging.Info(subsystem, "Instance %s health changed %s -> %s", inst.ID, live.Health, health)
			}
			live.Health = health
		}
		m.mu.Unlock()
	}
}

// Cleanup stops every instance in parallel and shuts the monitor down.
// Individual stop failures are logged, not propagated.
func (m *Manager) Cleanup(ctx context.Context) {
	if m.monitorCancel != nil {
		m.monitorCancel()
		<-m.monitorDone
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Stop(gctx, id); err != nil {
				logging.Warn(subsystem, "Cleanup of instance %s failed: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	logging.Info(subsystem, "Cleanup complete, %d instances stopped", len(ids))
}

