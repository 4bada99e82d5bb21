package tracked

import "fmt"

// BatchError 批量操作在第 Index 个实体处失败。
//
// 事务模式下整批已回滚，Processed 仅用于诊断；
// 无事务时前 Processed 个实体的修改已经生效。
type BatchError struct {
	Op        string
	Index     int
	EntityID  string
	Processed int
	Err       error
}

func newBatchError(op string, index int, entityID string, err error) *BatchError {
	return &BatchError{Op: op, Index: index, EntityID: entityID, Processed: index, Err: err}
}

func (e *BatchError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("%s #%d: %v", e.Op, e.Index, e.Err)
	}
	return fmt.Sprintf("%s #%d (%s): %v", e.Op, e.Index, e.EntityID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
