package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBufferClosed is returned once the buffer is closed and a client has
// drained every chunk still retained.
var ErrBufferClosed = errors.New("cyclic buffer closed")

// CyclicBufferConfig configures the cyclic buffer.
type CyclicBufferConfig struct {
	// MaxBufferSize is the maximum buffer size in bytes.
	MaxBufferSize int
	// MaxChunks is the maximum number of chunks to keep.
	MaxChunks int
	// ChunkTimeout is how long to keep chunks.
	ChunkTimeout time.Duration
	// CleanupInterval is how often to drop expired chunks.
	CleanupInterval time.Duration
}

// DefaultCyclicBufferConfig returns sensible defaults.
func DefaultCyclicBufferConfig() CyclicBufferConfig {
	return CyclicBufferConfig{
		MaxBufferSize:   32 * 1024 * 1024,
		MaxChunks:       256,
		ChunkTimeout:    30 * time.Second,
		CleanupInterval: 5 * time.Second,
	}
}

// BufferChunk represents a chunk of data in the buffer.
type BufferChunk struct {
	Sequence  uint64
	Data      []byte
	Timestamp time.Time
}

// BufferClient represents a client reading from the buffer.
type BufferClient struct {
	ID           uuid.UUID
	lastSequence atomic.Uint64
	lastRead     atomic.Int64
	bytesRead    atomic.Uint64
	ConnectedAt  time.Time
	UserAgent    string
	RemoteAddr   string
	waitCh       chan struct{}
}

// NewBufferClient creates a new buffer client.
func NewBufferClient(userAgent, remoteAddr string) *BufferClient {
	now := time.Now()
	c := &BufferClient{
		ID:          uuid.New(),
		ConnectedAt: now,
		UserAgent:   userAgent,
		RemoteAddr:  remoteAddr,
		waitCh:      make(chan struct{}, 1),
	}
	c.lastRead.Store(now.UnixNano())
	return c
}

// GetBytesRead returns total bytes read by this client.
func (c *BufferClient) GetBytesRead() uint64 {
	return c.bytesRead.Load()
}

// GetLastReadTime returns the last read time.
func (c *BufferClient) GetLastReadTime() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// Notify signals the client that new data is available.
func (c *BufferClient) Notify() {
	select {
	case c.waitCh <- struct{}{}:
	default:
		// Channel already has notification pending
	}
}

// Wait waits for new data or context cancellation.
func (c *BufferClient) Wait(ctx context.Context) error {
	select {
	case <-c.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CyclicBuffer fans one source's chunks out to many clients. Each client
// keeps its own read position; slow clients skip chunks that have been
// evicted rather than holding the source back.
type CyclicBuffer struct {
	config CyclicBufferConfig

	mu       sync.RWMutex
	chunks   []BufferChunk
	sequence atomic.Uint64
	closed   bool

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*BufferClient

	totalBytes  atomic.Uint64
	currentSize atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCyclicBuffer creates a new cyclic buffer.
func NewCyclicBuffer(config CyclicBufferConfig) *CyclicBuffer {
	defaults := DefaultCyclicBufferConfig()
	if config.MaxChunks <= 0 {
		config.MaxChunks = defaults.MaxChunks
	}
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = defaults.MaxBufferSize
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	cb := &CyclicBuffer{
		config:  config,
		chunks:  make([]BufferChunk, 0, config.MaxChunks),
		clients: make(map[uuid.UUID]*BufferClient),
		stopCh:  make(chan struct{}),
	}

	if config.ChunkTimeout > 0 {
		cb.wg.Add(1)
		go cb.cleanupLoop()
	}

	return cb
}

// AddClient adds a client positioned at the live edge.
func (cb *CyclicBuffer) AddClient(userAgent, remoteAddr string) (*BufferClient, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.closed {
		return nil, ErrBufferClosed
	}

	client := NewBufferClient(userAgent, remoteAddr)
	client.lastSequence.Store(cb.sequence.Load())

	cb.clientsMu.Lock()
	cb.clients[client.ID] = client
	cb.clientsMu.Unlock()

	return client, nil
}

// RemoveClient removes a client from the buffer.
func (cb *CyclicBuffer) RemoveClient(clientID uuid.UUID) bool {
	cb.clientsMu.Lock()
	defer cb.clientsMu.Unlock()

	if _, ok := cb.clients[clientID]; ok {
		delete(cb.clients, clientID)
		return true
	}
	return false
}

// ClientCount returns the number of connected clients.
func (cb *CyclicBuffer) ClientCount() int {
	cb.clientsMu.RLock()
	defer cb.clientsMu.RUnlock()
	return len(cb.clients)
}

// WriteChunk appends a chunk and wakes every client. The buffer keeps a
// reference to data; callers must not reuse it.
func (cb *CyclicBuffer) WriteChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrBufferClosed
	}

	seq := cb.sequence.Add(1)
	cb.chunks = append(cb.chunks, BufferChunk{
		Sequence:  seq,
		Data:      data,
		Timestamp: time.Now(),
	})
	cb.currentSize.Add(int64(len(data)))
	cb.enforceLimits()
	cb.totalBytes.Add(uint64(len(data)))
	cb.mu.Unlock()

	cb.notifyClients()
	return nil
}

// must hold cb.mu
func (cb *CyclicBuffer) enforceLimits() {
	for len(cb.chunks) > cb.config.MaxChunks {
		cb.dropOldest()
	}
	for cb.currentSize.Load() > int64(cb.config.MaxBufferSize) && len(cb.chunks) > 1 {
		cb.dropOldest()
	}
}

// must hold cb.mu
func (cb *CyclicBuffer) dropOldest() {
	removed := cb.chunks[0]
	cb.chunks[0] = BufferChunk{}
	cb.chunks = cb.chunks[1:]
	cb.currentSize.Add(-int64(len(removed.Data)))
}

func (cb *CyclicBuffer) notifyClients() {
	cb.clientsMu.RLock()
	defer cb.clientsMu.RUnlock()

	for _, client := range cb.clients {
		client.Notify()
	}
}

// ReadChunksForClient returns every retained chunk newer than the
// client's position and advances it.
func (cb *CyclicBuffer) ReadChunksForClient(client *BufferClient) []BufferChunk {
	lastSeq := client.lastSequence.Load()

	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var result []BufferChunk
	for _, chunk := range cb.chunks {
		if chunk.Sequence > lastSeq {
			result = append(result, chunk)
			client.lastSequence.Store(chunk.Sequence)
			client.bytesRead.Add(uint64(len(chunk.Data)))
		}
	}

	if len(result) > 0 {
		client.lastRead.Store(time.Now().UnixNano())
	}

	return result
}

// ReadWithWait returns pending chunks, blocking until there are some. Once
// the buffer is closed and drained it returns ErrBufferClosed.
func (cb *CyclicBuffer) ReadWithWait(ctx context.Context, client *BufferClient) ([]BufferChunk, error) {
	for {
		if chunks := cb.ReadChunksForClient(client); len(chunks) > 0 {
			return chunks, nil
		}
		if cb.IsClosed() {
			return nil, ErrBufferClosed
		}
		if err := client.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (cb *CyclicBuffer) cleanupLoop() {
	defer cb.wg.Done()

	ticker := time.NewTicker(cb.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cb.stopCh:
			return
		case <-ticker.C:
			cb.cleanupOldChunks()
		}
	}
}

// cleanupOldChunks removes chunks older than ChunkTimeout.
func (cb *CyclicBuffer) cleanupOldChunks() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	for len(cb.chunks) > 0 && now.Sub(cb.chunks[0].Timestamp) > cb.config.ChunkTimeout {
		cb.dropOldest()
	}
}

// Close marks the buffer closed and wakes every client. Clients drain
// what is retained and then see ErrBufferClosed.
func (cb *CyclicBuffer) Close() {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return
	}
	cb.closed = true
	cb.mu.Unlock()

	close(cb.stopCh)
	cb.notifyClients()
	cb.wg.Wait()
}

// IsClosed returns true if the buffer is closed.
func (cb *CyclicBuffer) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.closed
}

// Stats returns buffer statistics.
func (cb *CyclicBuffer) Stats() CyclicBufferStats {
	cb.mu.RLock()
	chunkCount := len(cb.chunks)
	cb.mu.RUnlock()

	cb.clientsMu.RLock()
	clients := make([]ClientStats, 0, len(cb.clients))
	for _, c := range cb.clients {
		clients = append(clients, ClientStats{
			ID:           c.ID.String(),
			BytesRead:    c.GetBytesRead(),
			LastSequence: c.lastSequence.Load(),
			ConnectedAt:  c.ConnectedAt,
			LastRead:     c.GetLastReadTime(),
			UserAgent:    c.UserAgent,
			RemoteAddr:   c.RemoteAddr,
		})
	}
	cb.clientsMu.RUnlock()

	return CyclicBufferStats{
		TotalChunks:       chunkCount,
		TotalBufferSize:   cb.currentSize.Load(),
		TotalBytesWritten: cb.totalBytes.Load(),
		CurrentSequence:   cb.sequence.Load(),
		ClientCount:       len(clients),
		Clients:           clients,
	}
}

// CyclicBufferStats holds buffer statistics.
type CyclicBufferStats struct {
	TotalChunks       int           `json:"total_chunks"`
	TotalBufferSize   int64         `json:"total_buffer_size"`
	TotalBytesWritten uint64        `json:"total_bytes_written"`
	CurrentSequence   uint64        `json:"current_sequence"`
	ClientCount       int           `json:"client_count"`
	Clients           []ClientStats `json:"clients,omitempty"`
}

// ClientStats holds statistics for a single client.
type ClientStats struct {
	ID           string    `json:"id"`
	BytesRead    uint64    `json:"bytes_read"`
	LastSequence uint64    `json:"last_sequence"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastRead     time.Time `json:"last_read"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
}
