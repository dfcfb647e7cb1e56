package blockstm

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/inconshreveable/log15"
)

// OutboundCommit declares that DestShard depends on location Location written
// by the local transaction TxnIndex; the value is relayed on commit.
type OutboundCommit[L comparable] struct {
	TxnIndex  TxnIndex
	Location  L
	DestShard int
}

// ChannelShardingConfig wires one shard to its peers over channels. Delivery
// is reliable and ordered per sender. A shard stops receiving once all of its
// declared dependencies have arrived, so size each channel's buffer to at
// least the number of outbound declarations targeting that shard; relays to a
// full channel block the committing worker until the peer catches up or the
// plugin shuts down.
type ChannelShardingConfig[L comparable] struct {
	Provider *ShardedTxnProvider
	Recv     <-chan ShardMsg[L]
	Peers    map[int]chan<- ShardMsg[L]
	// RemoteDeps declares every (remote txn, location) pair local txns read.
	RemoteDeps []RemoteDependency[L]
	// Outbound declares which of this shard's writes other shards wait on.
	Outbound []OutboundCommit[L]
	// DependencyTimeout bounds the wait for any single remote delivery;
	// DefaultDependencyTimeout when zero.
	DependencyTimeout time.Duration
	Logger            log.Logger
}

type channelShardingPlugin[L comparable] struct {
	provider   *ShardedTxnProvider
	recv       <-chan ShardMsg[L]
	peers      map[int]chan<- ShardMsg[L]
	remoteDeps []RemoteDependency[L]
	outbound   map[TxnIndex][]OutboundCommit[L]
	timeout    time.Duration
	logger     log.Logger

	quit     chan struct{}
	quitOnce sync.Once
}

var _ ShardingPlugin[int] = (*channelShardingPlugin[int])(nil)

func NewChannelShardingPlugin[L comparable](cfg ChannelShardingConfig[L]) ShardingPlugin[L] {
	outbound := make(map[TxnIndex][]OutboundCommit[L])
	for _, o := range cfg.Outbound {
		outbound[o.TxnIndex] = append(outbound[o.TxnIndex], o)
	}
	timeout := cfg.DependencyTimeout
	if timeout == 0 {
		timeout = DefaultDependencyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New("module", "sharding")
		logger.SetHandler(log.DiscardHandler())
	}
	return &channelShardingPlugin[L]{
		provider:   cfg.Provider,
		recv:       cfg.Recv,
		peers:      cfg.Peers,
		remoteDeps: cfg.RemoteDeps,
		outbound:   outbound,
		timeout:    timeout,
		logger:     logger,
		quit:       make(chan struct{}),
	}
}

func (p *channelShardingPlugin[L]) RemoteDependencies() []RemoteDependency[L] {
	return p.remoteDeps
}

func (p *channelShardingPlugin[L]) RunShardingMsgLoop(mvm MVMemory[L], scheduler Scheduler) {
	if len(p.remoteDeps) == 0 {
		<-p.quit
		return
	}
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-p.recv:
			p.logger.Debug("remote write arrived",
				"txn", msg.TxnIndex, "origin", msg.OriginShard)
			// install before announcing so a resumed reader cannot observe
			// the estimate again
			mvm.WriteRemote(msg.Location, msg.TxnIndex, msg.Value)
			p.provider.MarkArrived(msg.TxnIndex)
			scheduler.NotifyArrived(msg.TxnIndex)
			if p.provider.AllArrived() {
				<-p.quit
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.timeout)
		case <-timer.C:
			p.logger.Warn("remote dependency timed out",
				"shard", p.provider.ShardIdx(), "timeout", p.timeout)
			scheduler.Halt(errors.Wrapf(ErrDependencyTimeout,
				"shard %d", p.provider.ShardIdx()))
			// release any worker blocked relaying to a full peer
			p.ShutdownReceiver()
			return
		case <-p.quit:
			return
		}
	}
}

func (p *channelShardingPlugin[L]) ShutdownReceiver() {
	p.quitOnce.Do(func() {
		close(p.quit)
	})
}

func (p *channelShardingPlugin[L]) OnLocalCommit(txnIndex TxnIndex, ws WriteSet[L]) {
	for _, o := range p.outbound[txnIndex] {
		val, ok := ws.Get(o.Location)
		if !ok {
			p.logger.Warn("committed txn did not write declared location",
				"txn", txnIndex, "dest", o.DestShard)
			continue
		}
		peer, ok := p.peers[o.DestShard]
		if !ok {
			p.logger.Warn("no channel for destination shard", "dest", o.DestShard)
			continue
		}
		select {
		case peer <- ShardMsg[L]{
			TxnIndex:    txnIndex,
			Location:    o.Location,
			Value:       val,
			OriginShard: p.provider.ShardIdx(),
		}:
		case <-p.quit:
			return
		}
	}
}
