package aggregator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/hashicorp/go-hclog"
)

// IClientProxy is the aggregator's handle on one connected client session.
type IClientProxy interface {
	Id() string
	Address() string
	GetParameters(ctx context.Context, ins model.GetParametersIns) (model.GetParametersRes, error)
	Fit(ctx context.Context, ins model.FitIns) (model.FitRes, error)
	Evaluate(ctx context.Context, ins model.EvaluateIns) (model.EvaluateRes, error)
	Reconnect(ctx context.Context, ins model.ReconnectIns) (model.DisconnectRes, error)
}

type ClientManager struct {
	mu       sync.Mutex
	clients  map[string]IClientProxy
	changed  chan struct{}
	logger   hclog.Logger
	eventBus *events.EventBus
	metrics  *metrics.ServerMetrics
}

func NewClientManager(logger hclog.Logger, eventBus *events.EventBus, serverMetrics *metrics.ServerMetrics) *ClientManager {
	return &ClientManager{
		clients:  map[string]IClientProxy{},
		changed:  make(chan struct{}),
		logger:   logger,
		eventBus: eventBus,
		metrics:  serverMetrics,
	}
}

func (cm *ClientManager) Register(proxy IClientProxy) error {
	cm.mu.Lock()
	if _, ok := cm.clients[proxy.Id()]; ok {
		cm.mu.Unlock()
		return fmt.Errorf("client %s is already connected", proxy.Id())
	}
	cm.clients[proxy.Id()] = proxy
	connected := len(cm.clients)
	cm.notifyLocked()
	cm.mu.Unlock()

	cm.logger.Info(fmt.Sprintf("Client %s joined from %s (%d connected)", proxy.Id(), proxy.Address(), connected))
	cm.metrics.SetConnectedClients(connected)
	cm.publishStateChange(proxy, common.CLIENT_JOINED)

	return nil
}

func (cm *ClientManager) Unregister(proxy IClientProxy) {
	cm.mu.Lock()
	if current, ok := cm.clients[proxy.Id()]; !ok || current != proxy {
		cm.mu.Unlock()
		return
	}
	delete(cm.clients, proxy.Id())
	connected := len(cm.clients)
	cm.notifyLocked()
	cm.mu.Unlock()

	cm.logger.Info(fmt.Sprintf("Client %s left (%d connected)", proxy.Id(), connected))
	cm.metrics.SetConnectedClients(connected)
	cm.publishStateChange(proxy, common.CLIENT_LEFT)
}

func (cm *ClientManager) Num() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// All returns the connected clients ordered by id.
func (cm *ClientManager) All() []IClientProxy {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	clients := make([]IClientProxy, 0, len(cm.clients))
	for _, client := range cm.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].Id() < clients[j].Id()
	})

	return clients
}

// WaitFor blocks until at least n clients are connected.
func (cm *ClientManager) WaitFor(ctx context.Context, n int) error {
	for {
		cm.mu.Lock()
		if len(cm.clients) >= n {
			cm.mu.Unlock()
			return nil
		}
		changed := cm.changed
		cm.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sample picks up to n distinct connected clients at random.
func (cm *ClientManager) Sample(n int, rng *rand.Rand) []IClientProxy {
	clients := cm.All()
	rng.Shuffle(len(clients), func(i, j int) {
		clients[i], clients[j] = clients[j], clients[i]
	})
	if n < len(clients) {
		clients = clients[:n]
	}
	return clients
}

func (cm *ClientManager) notifyLocked() {
	close(cm.changed)
	cm.changed = make(chan struct{})
}

func (cm *ClientManager) publishStateChange(proxy IClientProxy, state string) {
	if cm.eventBus == nil {
		return
	}
	client := &model.FlClient{Id: proxy.Id(), Address: proxy.Address()}
	cm.eventBus.Publish(common.GetClientStateChangeEvent(client, state))
}
