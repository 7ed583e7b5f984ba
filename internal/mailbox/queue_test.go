package mailbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestQueue creates a Queue connected to a local Redis instance with a
// small capacity and cleans up test keys. Requires Redis on localhost:6379.
func newTestQueue(t *testing.T, limit int64) *Queue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, mailboxPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewQueueWithLimit(client, limit)
}

func TestEnqueue_FIFOOrder(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		evicted, err := q.Enqueue(ctx, "test_d1", fmt.Sprintf("task-%d", i))
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		if evicted != "" {
			t.Errorf("unexpected eviction below capacity: %q", evicted)
		}
	}

	tasks, err := q.Tasks(ctx, "test_d1")
	if err != nil {
		t.Fatalf("Tasks() error: %v", err)
	}
	want := []string{"task-0", "task-1", "task-2"}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, id := range want {
		if tasks[i] != id {
			t.Errorf("tasks[%d]: expected %q, got %q", i, id, tasks[i])
		}
	}
}

func TestEnqueue_EvictsOldestAtCapacity(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, "test_d2", fmt.Sprintf("task-%d", i))
	}

	evicted, err := q.Enqueue(ctx, "test_d2", "task-3")
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if evicted != "task-0" {
		t.Errorf("expected oldest task-0 evicted, got %q", evicted)
	}

	n, _ := q.Length(ctx, "test_d2")
	if n != 3 {
		t.Errorf("length should stay at capacity 3, got %d", n)
	}

	// Retained entries are the most recently enqueued.
	tasks, _ := q.Tasks(ctx, "test_d2")
	want := []string{"task-1", "task-2", "task-3"}
	for i, id := range want {
		if tasks[i] != id {
			t.Errorf("tasks[%d]: expected %q, got %q", i, id, tasks[i])
		}
	}
}

func TestRemove_DeletesEmptyMailbox(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	q.Enqueue(ctx, "test_d3", "task-a")
	if err := q.Remove(ctx, "test_d3", "task-a"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	n, err := q.Length(ctx, "test_d3")
	if err != nil {
		t.Fatalf("Length() error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty mailbox, got length %d", n)
	}

	// The key itself must be gone, not an empty list.
	exists, _ := q.client.Exists(ctx, mailboxKey("test_d3")).Result()
	if exists != 0 {
		t.Error("expected mailbox key deleted once empty")
	}
}

func TestRemove_UnknownTaskIsNoop(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	q.Enqueue(ctx, "test_d4", "task-a")
	if err := q.Remove(ctx, "test_d4", "task-evicted-long-ago"); err != nil {
		t.Errorf("Remove() of unknown task should be a no-op, got %v", err)
	}
	n, _ := q.Length(ctx, "test_d4")
	if n != 1 {
		t.Errorf("expected remaining length 1, got %d", n)
	}
}
