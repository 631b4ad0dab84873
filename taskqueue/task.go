package taskqueue

import (
	"context"

	"github.com/google/uuid"
)

// TaskId globally identifies a submitted task across the cluster.
type TaskId struct {
	value uuid.UUID
}

// NewTaskId generates a fresh task id.
func NewTaskId() TaskId {
	return TaskId{value: uuid.New()}
}

// TaskIdFromString parses a task id from its canonical string form.
func TaskIdFromString(s string) (TaskId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TaskId{}, err
	}
	return TaskId{value: id}, nil
}

// String returns the canonical string form.
func (t TaskId) String() string {
	return t.value.String()
}

// Task is an opaque, serializable unit of work. The coordination layer owns
// it only while in transit; execution semantics belong to the Worker.
type Task interface {
	// Details reports additional information attached to failure reports,
	// or nil when the task carries none.
	Details() interface{}
}

// TaskWithId pairs a task with its cluster-wide identifier.
type TaskWithId struct {
	Id   TaskId
	Task Task
}

// Worker executes tasks delivered by the work queue. It also receives failure
// reports and advisory cancellation requests. A worker must treat a
// cancellation for a task it does not own, or one that already completed, as
// a no-op.
type Worker interface {
	// ExecuteTask runs the task to completion.
	ExecuteTask(ctx context.Context, task TaskWithId) error

	// Fail reports a task that could not be deserialized or executed.
	// Invoked at most once per delivery.
	Fail(ctx context.Context, id TaskId, details interface{}, errorMessage string, cause error)

	// CancelTask requests local, best-effort interruption of a task.
	CancelTask(ctx context.Context, id TaskId)
}

// TaskSerializer converts tasks to and from their wire form.
type TaskSerializer interface {
	Serialize(task Task) ([]byte, error)
	Deserialize(data []byte) (Task, error)
}
