package blockstm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// readThrough performs a read for a test VM, recording the descriptor and
// signalling a read error on estimates.
func readThrough(mvm MVMemory[string], location string, txnIndex TxnIndex, result *VMResult[string]) (int64, bool) {
	res := mvm.Read(location, txnIndex)
	switch res.Status {
	case ReadStatusBlocking:
		result.Status = VMStatusReadError
		result.BlockingIndex = res.BlockingIndex
		return 0, false
	case ReadStatusNotFound:
		result.ReadSet = append(result.ReadSet, ReadDescriptor[string]{Location: location})
		return 0, true
	default:
		v := res.Version
		result.ReadSet = append(result.ReadSet, ReadDescriptor[string]{Location: location, V: &v})
		return res.Value.(int64), true
	}
}

type sellerVM struct{}

func (vm *sellerVM) Execute(txnIndex TxnIndex) (result VMResult[string]) {
	result.WriteSet = WriteSet[string]{{Location: "price", Val: int64(42)}}
	return
}

type buyerVM struct {
	mvm MVMemory[string]
}

func (vm *buyerVM) Execute(txnIndex TxnIndex) (result VMResult[string]) {
	switch txnIndex {
	case 1:
		price, ok := readThrough(vm.mvm, "price", txnIndex, &result)
		if !ok {
			return
		}
		result.WriteSet = WriteSet[string]{{Location: "order", Val: price * 2}}
	case 2:
		order, ok := readThrough(vm.mvm, "order", txnIndex, &result)
		if !ok {
			return
		}
		result.WriteSet = WriteSet[string]{{Location: "total", Val: order + 1}}
	}
	return
}

func TestTwoShardCommitRelay(t *testing.T) {
	require := require.New(t)

	ch0 := make(chan ShardMsg[string], 16)
	ch1 := make(chan ShardMsg[string], 16)

	provider0 := NewShardedTxnProvider(0, []TxnIndex{0}, nil)
	plugin0 := NewChannelShardingPlugin(ChannelShardingConfig[string]{
		Provider: provider0,
		Recv:     ch0,
		Peers:    map[int]chan<- ShardMsg[string]{1: ch1},
		Outbound: []OutboundCommit[string]{
			{TxnIndex: 0, Location: "price", DestShard: 1},
		},
	})

	provider1 := NewShardedTxnProvider(1, []TxnIndex{1, 2}, map[TxnIndex]int{0: 1})
	plugin1 := NewChannelShardingPlugin(ChannelShardingConfig[string]{
		Provider: provider1,
		Recv:     ch1,
		Peers:    map[int]chan<- ShardMsg[string]{0: ch0},
		RemoteDeps: []RemoteDependency[string]{
			{TxnIndex: 0, Location: "price"},
		},
		DependencyTimeout: 10 * time.Second,
	})

	mvm0 := NewMVMemory[string]()
	exec0 := NewExecutor[string](2, &sellerVM{}, 0,
		WithMVMemory[string](mvm0),
		WithSharding[string](provider0, plugin0))

	mvm1 := NewMVMemory[string]()
	exec1 := NewExecutor[string](2, &buyerVM{mvm: mvm1}, 0,
		WithMVMemory[string](mvm1),
		WithSharding[string](provider1, plugin1))

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return exec0.Run(ctx) })
	g.Go(func() error { return exec1.Run(ctx) })
	require.NoError(g.Wait())

	final := make(map[string]interface{})
	for _, lv := range exec1.Snapshot() {
		final[lv.Location] = lv.Value
	}
	require.Equal(int64(42), final["price"])
	require.Equal(int64(84), final["order"])
	require.Equal(int64(85), final["total"])

	require.Equal(WriteSet[string]{{Location: "order", Val: int64(84)}}, exec1.WriteSet(1))
}

func TestRemoteDependencyTimeout(t *testing.T) {
	require := require.New(t)

	// nobody ever sends on recv, so the declared dependency cannot arrive
	recv := make(chan ShardMsg[string])
	provider := NewShardedTxnProvider(1, []TxnIndex{1}, map[TxnIndex]int{0: 1})
	plugin := NewChannelShardingPlugin(ChannelShardingConfig[string]{
		Provider: provider,
		Recv:     recv,
		RemoteDeps: []RemoteDependency[string]{
			{TxnIndex: 0, Location: "price"},
		},
		DependencyTimeout: 50 * time.Millisecond,
	})

	mvm := NewMVMemory[string]()
	exec := NewExecutor[string](2, &buyerVM{mvm: mvm}, 0,
		WithMVMemory[string](mvm),
		WithSharding[string](provider, plugin))

	err := exec.Run(context.Background())
	require.Error(err)
	require.ErrorIs(err, ErrDependencyTimeout)
}
