package main

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/zhiqiangxu/blockstm"
)

// Two in-process shards execute one global block of three transactions.
// Shard 0 owns txn 0, which sets a price. Shard 1 owns txns 1 and 2, which
// consume the price; txn 1 must wait until shard 0 commits and relays it.

type priceVM struct{}

func (vm *priceVM) Execute(txnIndex blockstm.TxnIndex) (result blockstm.VMResult[string]) {
	result.WriteSet = blockstm.WriteSet[string]{{Location: "price", Val: int64(42)}}
	return
}

type orderVM struct {
	mvm blockstm.MVMemory[string]
}

func (vm *orderVM) read(location string, txnIndex blockstm.TxnIndex, result *blockstm.VMResult[string]) (int64, bool) {
	res := vm.mvm.Read(location, txnIndex)
	switch res.Status {
	case blockstm.ReadStatusBlocking:
		result.Status = blockstm.VMStatusReadError
		result.BlockingIndex = res.BlockingIndex
		return 0, false
	case blockstm.ReadStatusNotFound:
		result.ReadSet = append(result.ReadSet, blockstm.ReadDescriptor[string]{Location: location})
		return 0, true
	default:
		v := res.Version
		result.ReadSet = append(result.ReadSet, blockstm.ReadDescriptor[string]{Location: location, V: &v})
		return res.Value.(int64), true
	}
}

func (vm *orderVM) Execute(txnIndex blockstm.TxnIndex) (result blockstm.VMResult[string]) {
	switch txnIndex {
	case 1:
		price, ok := vm.read("price", txnIndex, &result)
		if !ok {
			return
		}
		result.WriteSet = blockstm.WriteSet[string]{{Location: "order", Val: price * 2}}
	case 2:
		order, ok := vm.read("order", txnIndex, &result)
		if !ok {
			return
		}
		result.WriteSet = blockstm.WriteSet[string]{{Location: "total", Val: order + 1}}
	}
	return
}

func main() {
	logger := log.New("module", "sharded")
	logger.SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	ch0 := make(chan blockstm.ShardMsg[string], 16)
	ch1 := make(chan blockstm.ShardMsg[string], 16)

	provider0 := blockstm.NewShardedTxnProvider(0, []blockstm.TxnIndex{0}, nil)
	plugin0 := blockstm.NewChannelShardingPlugin(blockstm.ChannelShardingConfig[string]{
		Provider: provider0,
		Recv:     ch0,
		Peers:    map[int]chan<- blockstm.ShardMsg[string]{1: ch1},
		Outbound: []blockstm.OutboundCommit[string]{
			{TxnIndex: 0, Location: "price", DestShard: 1},
		},
		Logger: logger.New("shard", 0),
	})

	provider1 := blockstm.NewShardedTxnProvider(1, []blockstm.TxnIndex{1, 2},
		map[blockstm.TxnIndex]int{0: 1})
	plugin1 := blockstm.NewChannelShardingPlugin(blockstm.ChannelShardingConfig[string]{
		Provider: provider1,
		Recv:     ch1,
		Peers:    map[int]chan<- blockstm.ShardMsg[string]{0: ch0},
		RemoteDeps: []blockstm.RemoteDependency[string]{
			{TxnIndex: 0, Location: "price"},
		},
		DependencyTimeout: 5 * time.Second,
		Logger:            logger.New("shard", 1),
	})

	mvm0 := blockstm.NewMVMemory[string]()
	exec0 := blockstm.NewExecutor[string](2, &priceVM{}, 0,
		blockstm.WithMVMemory[string](mvm0),
		blockstm.WithSharding[string](provider0, plugin0),
		blockstm.WithLogger[string](logger.New("shard", 0)))

	mvm1 := blockstm.NewMVMemory[string]()
	vm1 := &orderVM{mvm: mvm1}
	exec1 := blockstm.NewExecutor[string](2, vm1, 0,
		blockstm.WithMVMemory[string](mvm1),
		blockstm.WithSharding[string](provider1, plugin1),
		blockstm.WithLogger[string](logger.New("shard", 1)))

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return exec0.Run(ctx) })
	g.Go(func() error { return exec1.Run(ctx) })
	if err := g.Wait(); err != nil {
		logger.Error("sharded execution failed", "err", err)
		os.Exit(1)
	}

	for _, lv := range exec1.Snapshot() {
		fmt.Printf("%s = %v\n", lv.Location, lv.Value)
	}
}
