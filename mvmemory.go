package blockstm

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
)

// remoteIncarnation is the synthetic incarnation attached to writes received
// from another shard. Remote transactions are never re-executed locally, so a
// single incarnation suffices.
const remoteIncarnation Incarnation = 0

type mvMemory[L comparable] struct {
	data sync.Map // L -> *dataCells
}

type dataCells struct {
	sync.RWMutex
	tm *treemap.Map // int(TxnIndex) -> *dataCell
}

type dataCell struct {
	flag        flag
	incarnation Incarnation
	value       interface{}
}

type flag uint

const (
	flagDone flag = iota
	flagEstimate
)

var _ MVMemory[int] = (*mvMemory[int])(nil)

func NewMVMemory[L comparable]() MVMemory[L] {
	return &mvMemory[L]{}
}

func (mvm *mvMemory[L]) Read(location L, txnIndex TxnIndex) (result ReadResult) {
	cells := mvm.getLocationCells(location, func() *dataCells { return nil })
	if cells == nil {
		result.Status = ReadStatusNotFound
		return
	}

	cells.RLock()

	fk, fv := cells.tm.Floor(int(txnIndex) - 1)

	if fk != nil && fv != nil {
		c := fv.(*dataCell)
		switch c.flag {
		case flagEstimate:
			result.Status = ReadStatusBlocking
			result.BlockingIndex = TxnIndex(fk.(int))
		case flagDone:
			result.Status = ReadStatusOK
			result.Version = Version{Index: TxnIndex(fk.(int)), Incarnation: c.incarnation}
			result.Value = c.value
		default:
			panic(errors.AssertionFailedf("unknown flag value %d", c.flag))
		}

		cells.RUnlock()
	} else {
		cells.RUnlock()
		result.Status = ReadStatusNotFound
	}

	return
}

func (mvm *mvMemory[L]) Snapshot() (ret []LocationValue[L]) {

	mvm.data.Range(func(location, _ any) bool {
		result := mvm.Read(location.(L), EndTxnIndex)
		if result.Status == ReadStatusOK {
			ret = append(ret, LocationValue[L]{Location: location.(L), Value: result.Value})
		}
		return true
	})
	return
}

func (mvm *mvMemory[L]) ConvertWritesToEstimates(txnIndex TxnIndex, locations []L) {
	for _, location := range locations {
		cells := mvm.getLocationCells(location, func() *dataCells { return nil })
		if cells == nil {
			continue
		}
		cells.Lock()

		ci, ok := cells.tm.Get(int(txnIndex))
		if ok {
			ci.(*dataCell).flag = flagEstimate
		}

		cells.Unlock()
	}
}

func (mvm *mvMemory[L]) MarkEstimate(location L, txnIndex TxnIndex) {
	cells := mvm.locationCellsOrNew(location)
	cells.Lock()
	if _, ok := cells.tm.Get(int(txnIndex)); !ok {
		cells.tm.Put(int(txnIndex), &dataCell{
			flag:        flagEstimate,
			incarnation: remoteIncarnation,
		})
	}
	cells.Unlock()
}

func (mvm *mvMemory[L]) WriteRemote(location L, txnIndex TxnIndex, value interface{}) {
	cells := mvm.locationCellsOrNew(location)
	cells.Lock()
	if ci, ok := cells.tm.Get(int(txnIndex)); ok {
		cell := ci.(*dataCell)
		if cell.flag == flagDone {
			// remote writes are immutable once delivered
			cells.Unlock()
			return
		}
		cell.flag = flagDone
		cell.value = value
	} else {
		cells.tm.Put(int(txnIndex), &dataCell{
			flag:        flagDone,
			incarnation: remoteIncarnation,
			value:       value,
		})
	}
	cells.Unlock()
}

func (mvm *mvMemory[L]) Apply(version Version, ws WriteSet[L], prevLocations []L) (wroteNewLocation bool) {
	newLocations := make(map[L]struct{}, len(ws))
	for _, w := range ws {
		mvm.writeData(w.Location, version, w.Val)
		newLocations[w.Location] = struct{}{}
	}

	if prevLocations != nil {
		prevLocationMap := make(map[L]struct{}, len(prevLocations))
		for _, location := range prevLocations {
			prevLocationMap[location] = struct{}{}
		}

		for location := range newLocations {
			if _, ok := prevLocationMap[location]; !ok {
				wroteNewLocation = true
				break
			}
		}

		for location := range prevLocationMap {
			if _, ok := newLocations[location]; !ok {
				mvm.removeData(location, version.Index)
			}
		}
	} else {
		wroteNewLocation = len(newLocations) > 0
	}

	return
}

func (mvm *mvMemory[L]) writeData(location L, version Version, value interface{}) {
	cells := mvm.locationCellsOrNew(location)

	cells.Lock()

	if ci, ok := cells.tm.Get(int(version.Index)); !ok {
		cells.tm.Put(int(version.Index), &dataCell{
			flag:        flagDone,
			incarnation: version.Incarnation,
			value:       value,
		})
	} else {
		if ci.(*dataCell).incarnation > version.Incarnation {
			panic(errors.AssertionFailedf("existing value for %v does not have lower incarnation than txn %d",
				location, version.Index))
		}

		ci.(*dataCell).flag = flagDone
		ci.(*dataCell).incarnation = version.Incarnation
		ci.(*dataCell).value = value
	}
	cells.Unlock()
}

func (mvm *mvMemory[L]) removeData(location L, txnIndex TxnIndex) {
	cells := mvm.getLocationCells(location, func() (cells *dataCells) {
		return
	})
	if cells == nil {
		return
	}
	cells.Lock()
	cells.tm.Remove(int(txnIndex))
	cells.Unlock()
}

func (mvm *mvMemory[L]) locationCellsOrNew(location L) *dataCells {
	return mvm.getLocationCells(location, func() (cells *dataCells) {
		n := &dataCells{
			tm: treemap.NewWithIntComparator(),
		}
		val, _ := mvm.data.LoadOrStore(location, n)
		cells = val.(*dataCells)
		return
	})
}

func (mvm *mvMemory[L]) getLocationCells(location L, fGen func() *dataCells) (cells *dataCells) {
	val, ok := mvm.data.Load(location)

	if !ok {
		cells = fGen()
	} else {
		cells = val.(*dataCells)
	}

	return
}
