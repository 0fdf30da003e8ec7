// Package comm is the batched, shard-aware message delivery layer.
// Sends enqueue and return; background workers drain the queues into
// wire envelopes. Delivery is best-effort, at-most-once per attempt.
package comm

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joe-zxh/shardbft/config"
	"github.com/joe-zxh/shardbft/data"
	"github.com/joe-zxh/shardbft/internal/logging"
	"github.com/joe-zxh/shardbft/topology"
)

const queueDepth = 8192

// Handler consumes one decoded protocol message.
type Handler func(*data.Message)

type destItem struct {
	info    *config.ReplicaInfo
	payload []byte
}

// Router delivers protocol messages to one, many, or all peers. With
// long connections enabled, each destination gets its own batching
// queue and drain worker; otherwise one shared worker serves every
// destination.
type Router struct {
	top       *topology.ShardTopology
	tr        Transport
	batchSize int
	timeout   time.Duration
	longConns bool
	logger    zerolog.Logger

	mut     sync.Mutex
	perDest map[string]chan []byte
	clients map[config.ReplicaID]*config.ReplicaInfo

	shared    chan destItem
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRouter starts the router's background workers.
func NewRouter(conf *config.ReplicaConfig, top *topology.ShardTopology, tr Transport) *Router {
	r := &Router{
		top:       top,
		tr:        tr,
		batchSize: conf.BatchSize,
		timeout:   conf.BatchTimeout,
		longConns: conf.UseLongConns,
		logger:    logging.WithID(uint32(conf.ID)),
		perDest:   make(map[string]chan []byte),
		clients:   make(map[config.ReplicaID]*config.ReplicaInfo),
		shared:    make(chan destItem, queueDepth),
		done:      make(chan struct{}),
	}
	if r.batchSize <= 0 {
		r.batchSize = 1
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Millisecond
	}
	if !r.longConns {
		r.wg.Add(1)
		go r.drainShared()
	}
	return r
}

// RegisterClient makes a non-replica endpoint (a client proxy)
// addressable, so responses can be routed back to it.
func (r *Router) RegisterClient(info *config.ReplicaInfo) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.clients[info.ID] = info
}

func (r *Router) lookup(node config.ReplicaID) *config.ReplicaInfo {
	if info := r.top.Lookup(node); info != nil {
		return info
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.clients[node]
}

// SendTo enqueues m for node and returns immediately.
func (r *Router) SendTo(m *data.Message, node config.ReplicaID) {
	info := r.lookup(node)
	if info == nil {
		r.logger.Warn().Uint32("node", uint32(node)).Str("msg", m.Type.String()).
			Msg("router: unknown destination")
		return
	}
	payload, err := data.EncodeMessage(m)
	if err != nil {
		r.logger.Error().Err(err).Msg("router: encode failed")
		return
	}
	r.enqueue(info, payload)
}

// SendToShardPrimary routes m to the primary of shard.
func (r *Router) SendToShardPrimary(m *data.Message, shard topology.ShardID) {
	primary := r.top.PrimaryOf(shard)
	if primary == topology.NoNode {
		r.logger.Warn().Uint32("shard", uint32(shard)).Msg("router: shard has no primary")
		return
	}
	r.SendTo(m, primary)
}

// BroadcastToAll enqueues m for every admitted replica, self included.
func (r *Router) BroadcastToAll(m *data.Message) {
	payload, err := data.EncodeMessage(m)
	if err != nil {
		r.logger.Error().Err(err).Msg("router: encode failed")
		return
	}
	for _, info := range r.top.Replicas() {
		r.enqueue(info, payload)
	}
}

// BroadcastToPrimaries enqueues m for every shard primary.
func (r *Router) BroadcastToPrimaries(m *data.Message) {
	for _, primary := range r.top.Primaries() {
		r.SendTo(m, primary)
	}
}

// BroadcastWithinShard enqueues m for every member of shard.
func (r *Router) BroadcastWithinShard(m *data.Message, shard topology.ShardID) {
	members := r.top.MembersOf(shard)
	if len(members) == 0 {
		r.logger.Warn().Uint32("shard", uint32(shard)).Msg("router: broadcast to empty shard")
		return
	}
	payload, err := data.EncodeMessage(m)
	if err != nil {
		r.logger.Error().Err(err).Msg("router: encode failed")
		return
	}
	for _, node := range members {
		info := r.lookup(node)
		if info == nil {
			continue
		}
		r.enqueue(info, payload)
	}
}

func (r *Router) enqueue(info *config.ReplicaInfo, payload []byte) {
	if !r.longConns {
		select {
		case r.shared <- destItem{info: info, payload: payload}:
		default:
			r.logger.Warn().Str("addr", info.Address).Msg("router: shared queue full, dropped")
		}
		return
	}

	key := net.JoinHostPort(info.Address, strconv.Itoa(info.Port))
	r.mut.Lock()
	q, ok := r.perDest[key]
	if !ok {
		q = make(chan []byte, queueDepth)
		r.perDest[key] = q
		r.wg.Add(1)
		go r.drainDest(info, q)
	}
	r.mut.Unlock()

	select {
	case q <- payload:
	default:
		r.logger.Warn().Str("addr", key).Msg("router: destination queue full, dropped")
	}
}

// drainDest owns the batching queue of a single destination.
func (r *Router) drainDest(info *config.ReplicaInfo, q chan []byte) {
	defer r.wg.Done()
	for {
		var first []byte
		select {
		case <-r.done:
			return
		case first = <-q:
		}

		batch := [][]byte{first}
		timer := time.NewTimer(r.timeout)
	collect:
		for len(batch) < r.batchSize {
			select {
			case item := <-q:
				batch = append(batch, item)
			case <-timer.C:
				break collect
			case <-r.done:
				break collect
			}
		}
		timer.Stop()

		r.transmit(info, batch)
	}
}

// drainShared serves every destination from one queue, grouping each
// drained batch by destination before transmitting.
func (r *Router) drainShared() {
	defer r.wg.Done()
	for {
		var first destItem
		select {
		case <-r.done:
			return
		case first = <-r.shared:
		}

		batch := []destItem{first}
		timer := time.NewTimer(r.timeout)
	collect:
		for len(batch) < r.batchSize {
			select {
			case item := <-r.shared:
				batch = append(batch, item)
			case <-timer.C:
				break collect
			case <-r.done:
				break collect
			}
		}
		timer.Stop()

		type group struct {
			info     *config.ReplicaInfo
			payloads [][]byte
		}
		groups := make(map[string]*group)
		order := make([]string, 0, len(batch))
		for _, item := range batch {
			key := net.JoinHostPort(item.info.Address, strconv.Itoa(item.info.Port))
			g, ok := groups[key]
			if !ok {
				g = &group{info: item.info}
				groups[key] = g
				order = append(order, key)
			}
			g.payloads = append(g.payloads, item.payload)
		}
		for _, key := range order {
			g := groups[key]
			r.transmit(g.info, g.payloads)
		}
	}
}

// transmit wraps one batch into a wire envelope and ships it. Failures
// are logged and never block other destinations.
func (r *Router) transmit(info *config.ReplicaInfo, batch [][]byte) {
	raw, err := data.EncodeEnvelope(&data.Envelope{Items: batch})
	if err != nil {
		r.logger.Error().Err(err).Msg("router: envelope encode failed")
		return
	}
	if !r.tr.Send(info.Address, info.Port, raw) {
		r.logger.Warn().Str("addr", info.Address).Int("port", info.Port).
			Int("batch", len(batch)).Msg("router: send failed")
	}
}

// Close stops all drain workers and joins them.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}
