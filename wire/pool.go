package wire

import (
	"sync"

	"go.uber.org/zap"

	"github.com/halyardhq/halyard/logger"
)

// poolKey identifies one client: the same server reached with a different
// credential is a different connection.
type poolKey struct {
	serverURL  string
	credential string
}

// Pool hands out one shared Client per (serverURL, credential). It is the
// only mutable state shared across facades; all access is mutex-guarded.
type Pool struct {
	mu      sync.Mutex
	opts    Options
	clients map[poolKey]*Client
	log     *zap.SugaredLogger
}

// NewPool creates an empty pool. All clients it creates share opts.
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:    opts,
		clients: make(map[poolKey]*Client),
		log:     logger.Named("wire.pool"),
	}
}

// Get returns the Client for the endpoint, creating it (disconnected) on
// first use. The caller is responsible for calling Connect.
func (p *Pool) Get(serverURL, credential string) *Client {
	key := poolKey{serverURL: serverURL, credential: credential}

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[key]; ok {
		return client
	}

	client := NewClient(serverURL, credential, p.opts)
	p.clients[key] = client
	p.log.Debugw("Created pooled client", "server_url", serverURL)
	return client
}

// Remove disconnects and evicts the Client for the endpoint, if present.
func (p *Pool) Remove(serverURL, credential string) {
	key := poolKey{serverURL: serverURL, credential: credential}

	p.mu.Lock()
	client, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()

	if ok {
		client.Disconnect()
		p.log.Debugw("Evicted pooled client", "server_url", serverURL)
	}
}

// Clear disconnects and evicts every pooled client.
func (p *Pool) Clear() {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for key, client := range p.clients {
		clients = append(clients, client)
		delete(p.clients, key)
	}
	p.mu.Unlock()

	for _, client := range clients {
		client.Disconnect()
	}
}

// Len reports the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
