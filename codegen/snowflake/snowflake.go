// Package snowflake 提供单调递增的 64 位序号（雪花算法），用作变更集的逻辑时钟。
//
// 序号高位是毫秒时间戳，因此序号的先后与时间先后一致；
// 时钟回拨或同一毫秒序列用尽时借用下一毫秒，不阻塞等待。
package snowflake

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// 起始时间戳 (2023-01-01 00:00:00 UTC)
	epoch int64 = 1672531200000

	workerIDBits     = 5
	datacenterIDBits = 5
	sequenceBits     = 12

	maxWorkerID     = -1 ^ (-1 << workerIDBits)     // 31
	maxDatacenterID = -1 ^ (-1 << datacenterIDBits) // 31
	maxSequence     = -1 ^ (-1 << sequenceBits)     // 4095

	workerIDShift      = sequenceBits
	datacenterIDShift  = sequenceBits + workerIDBits
	timestampLeftShift = sequenceBits + workerIDBits + datacenterIDBits

	DefaultDatacenterID int64 = 1
	DefaultWorkerID     int64 = 1
)

// Option 配置生成器
type Option func(*Generator)

// WithClock 替换时间来源（测试使用）
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// Generator Snowflake 序号生成器
type Generator struct {
	mux           sync.Mutex
	datacenterID  int64
	workerID      int64
	sequence      int64
	lastTimestamp int64
	now           func() time.Time
}

// NewGenerator 创建序号生成器
func NewGenerator(datacenterID, workerID int64, opts ...Option) (*Generator, error) {
	if datacenterID < 0 || datacenterID > maxDatacenterID {
		return nil, errors.New("datacenter ID out of range")
	}
	if workerID < 0 || workerID > maxWorkerID {
		return nil, errors.New("worker ID out of range")
	}
	g := &Generator{
		datacenterID:  datacenterID,
		workerID:      workerID,
		lastTimestamp: -1,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NextID 生成下一个序号，总是大于此前生成的全部序号
func (g *Generator) NextID() int64 {
	return g.NextAfter(0)
}

// NextAfter 生成同时大于 floor 与此前全部序号的新序号。
//
// floor 通常是某实体已存储的最新序号，保证同一实体的序号严格递增，
// 即使多个进程的时钟存在偏差。
func (g *Generator) NextAfter(floor int64) int64 {
	g.mux.Lock()
	defer g.mux.Unlock()

	ts := g.now().UnixMilli()
	if ts < g.lastTimestamp {
		// 时钟回拨：沿用上次时间戳
		ts = g.lastTimestamp
	}

	seq := int64(0)
	if ts == g.lastTimestamp {
		seq = g.sequence + 1
	}

	if floor > 0 {
		floorTs := (floor >> timestampLeftShift) + epoch
		floorSeq := floor & maxSequence
		if floorTs > ts || (floorTs == ts && floorSeq >= seq) {
			ts, seq = floorTs, floorSeq+1
		}
	}

	if seq > maxSequence {
		// 序列用尽：借用下一毫秒
		ts++
		seq = 0
	}

	id := g.compose(ts, seq)
	if id <= floor {
		// 节点位高于序列位：floor 来自节点号更大的生成器时只能推进到下一毫秒
		ts++
		seq = 0
		id = g.compose(ts, seq)
	}
	g.lastTimestamp = ts
	g.sequence = seq
	return id
}

func (g *Generator) compose(ts, seq int64) int64 {
	return ((ts - epoch) << timestampLeftShift) |
		(g.datacenterID << datacenterIDShift) |
		(g.workerID << workerIDShift) |
		seq
}

// Parse 解析序号
func Parse(id int64) map[string]int64 {
	return map[string]int64{
		"timestamp":    (id >> timestampLeftShift) + epoch,
		"datacenterID": (id >> datacenterIDShift) & maxDatacenterID,
		"workerID":     (id >> workerIDShift) & maxWorkerID,
		"sequence":     id & maxSequence,
	}
}

// Time 返回序号中的毫秒时间戳
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timestampLeftShift) + epoch).UTC()
}

// 全局默认生成器（通过原子指针保证并发安全）
var defaultGenerator atomic.Pointer[Generator]

func init() {
	gen, _ := NewGenerator(DefaultDatacenterID, DefaultWorkerID)
	defaultGenerator.Store(gen)
}

// Default 返回默认生成器
func Default() *Generator {
	return defaultGenerator.Load()
}

// SetDefaultGenerator 设置默认生成器
func SetDefaultGenerator(datacenterID, workerID int64) error {
	gen, err := NewGenerator(datacenterID, workerID)
	if err != nil {
		return err
	}
	defaultGenerator.Store(gen)
	return nil
}
