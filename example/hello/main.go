package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zhiqiangxu/blockstm"
)

const (
	concurrencyKey = "concurrency"
	blockSizeKey   = "blockSize"
	accountsKey    = "accounts"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("hello", flag.ContinueOnError)

	fs.Int(concurrencyKey, 4, "number of worker goroutines")
	fs.Int(blockSizeKey, 1000, "number of transactions in the block")
	fs.Int(accountsKey, 100, "number of accounts transferred between")

	return fs
}

func getViper() (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}

// transferVM moves one unit between two accounts per transaction, reading
// both balances through the multi-version memory.
type transferVM struct {
	mvm      blockstm.MVMemory[string]
	base     map[string]int64
	accounts int
}

func (vm *transferVM) Execute(txnIndex blockstm.TxnIndex) (result blockstm.VMResult[string]) {
	from := fmt.Sprintf("acct%d", int(txnIndex)%vm.accounts)
	to := fmt.Sprintf("acct%d", (int(txnIndex)+1)%vm.accounts)

	balances := make(map[string]int64, 2)
	for _, acct := range []string{from, to} {
		res := vm.mvm.Read(acct, txnIndex)
		switch res.Status {
		case blockstm.ReadStatusBlocking:
			result.Status = blockstm.VMStatusReadError
			result.BlockingIndex = res.BlockingIndex
			return
		case blockstm.ReadStatusNotFound:
			balances[acct] = vm.base[acct]
			result.ReadSet = append(result.ReadSet, blockstm.ReadDescriptor[string]{Location: acct})
		default:
			balances[acct] = res.Value.(int64)
			v := res.Version
			result.ReadSet = append(result.ReadSet, blockstm.ReadDescriptor[string]{Location: acct, V: &v})
		}
	}

	result.WriteSet = blockstm.WriteSet[string]{
		{Location: from, Val: balances[from] - 1},
		{Location: to, Val: balances[to] + 1},
	}
	return
}

func main() {
	v, err := getViper()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New("module", "hello")
	logger.SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	concurrency := v.GetInt(concurrencyKey)
	blockSize := v.GetInt(blockSizeKey)
	accounts := v.GetInt(accountsKey)

	vm := &transferVM{base: make(map[string]int64), accounts: accounts}
	for i := 0; i < accounts; i++ {
		vm.base[fmt.Sprintf("acct%d", i)] = 1000
	}

	mvm := blockstm.NewMVMemory[string]()
	exec := blockstm.NewExecutor[string](concurrency, vm, blockSize,
		blockstm.WithLogger[string](logger),
		blockstm.WithMVMemory[string](mvm))
	vm.mvm = mvm

	start := time.Now()
	if err := exec.Run(context.Background()); err != nil {
		logger.Error("execution failed", "err", err)
		os.Exit(1)
	}
	logger.Info("execution finished",
		"txns", blockSize, "concurrency", concurrency, "elapsed", time.Since(start))

	var total int64
	for _, lv := range exec.Snapshot() {
		total += lv.Value.(int64)
	}
	logger.Info("balance sum over written accounts", "sum", total)
}
