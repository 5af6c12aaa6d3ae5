// Package transport delivers live job updates. Each job gets one handle
// that prefers a websocket channel to the backend, reconnects with
// exponential backoff when the channel drops, and degrades to status
// polling once reconnect attempts are exhausted. Consumers receive one
// ordered event stream either way.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"docket/internal/backend"
	"docket/internal/config"
	"docket/internal/job"
)

// Backend is the slice of the job API the transport needs: the channel
// endpoint and the status poll.
type Backend interface {
	Status(ctx context.Context, jobID string) (backend.Status, error)
	ChannelURL(jobID string) string
}

// Manager tracks at most one live handle per job id.
type Manager struct {
	cfg    config.TransportConfig
	client Backend
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New builds a Manager. A nil logger is replaced with a no-op logger.
func New(cfg config.TransportConfig, client Backend, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Connect subscribes handler to jobID's updates and returns immediately;
// the channel is established in the background and connectivity changes
// arrive as StateEvents. A second Connect for the same job tears the
// first handle down before starting over. Cancelling ctx closes the
// handle.
func (m *Manager) Connect(ctx context.Context, jobID string, handler Handler) (Handle, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for {
		old, ok := m.handles[jobID]
		if !ok {
			break
		}
		delete(m.handles, jobID)
		m.mu.Unlock()
		old.Close()
		<-old.Done()
		m.mu.Lock()
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &handle{
		jobID:            jobID,
		url:              m.client.ChannelURL(jobID),
		client:           m.client,
		handler:          handler,
		logger:           m.logger.With(zap.String("job_id", jobID)),
		baseDelay:        m.cfg.GetBaseReconnectDelay(),
		maxDelay:         m.cfg.GetMaxReconnectDelay(),
		maxAttempts:      m.cfg.MaxReconnectAttempts,
		heartbeat:        m.cfg.GetHeartbeatInterval(),
		pollInterval:     m.cfg.GetPollInterval(),
		handshakeTimeout: m.cfg.GetHandshakeTimeout(),
		ctx:              hctx,
		cancel:           cancel,
		events:           make(chan job.Event, 64),
		done:             make(chan struct{}),
		mode:             ModeChannel,
	}
	m.handles[jobID] = h
	m.mu.Unlock()

	go h.run()
	go h.dispatch()
	return h, nil
}

// Disconnect closes jobID's handle and waits for its delivery to drain.
// Unknown ids are a no-op.
func (m *Manager) Disconnect(jobID string) {
	m.mu.Lock()
	h, ok := m.handles[jobID]
	if ok {
		delete(m.handles, jobID)
	}
	m.mu.Unlock()

	if ok {
		h.Close()
		<-h.Done()
	}
}

// IsConnected reports whether jobID has a handle that is still running.
func (m *Manager) IsConnected(jobID string) bool {
	m.mu.Lock()
	h, ok := m.handles[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// ActiveJobIDs returns the ids with running handles, sorted.
func (m *Manager) ActiveJobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.handles))
	for id, h := range m.handles {
		select {
		case <-h.Done():
		default:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every handle and waits for their deliveries to drain.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	for _, h := range handles {
		<-h.Done()
	}
}
