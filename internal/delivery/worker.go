package delivery

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjinn/messenger/internal/metrics"
	"github.com/cjinn/messenger/internal/protocol"
)

// Mailbox tracks in-flight task ids per destination device.
type Mailbox interface {
	Enqueue(ctx context.Context, deviceID, taskID string) (evicted string, err error)
	Remove(ctx context.Context, deviceID, taskID string) error
}

const (
	defaultWorkers   = 8
	workerQueueDepth = 256
	taskTimeout      = 15 * time.Second
)

// Task is one unit of delivery work: a single message item plus the identity
// of the device that submitted it.
type Task struct {
	ID             string
	SourceUserID   string
	SourceDeviceID string
	Item           protocol.MessageItem
}

// Pool executes delivery tasks. Tasks are partitioned onto workers by a hash
// of the destination device id and each worker runs serially, so two tasks
// for the same device can never reorder or race. Every in-flight task is
// mirrored in the destination's mailbox queue until it completes.
type Pool struct {
	router  *Router
	mailbox Mailbox
	queues  []chan Task
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewPool creates a pool with the given number of workers (defaultWorkers
// when n <= 0) and starts them.
func NewPool(router *Router, mbox Mailbox, n int) *Pool {
	if n <= 0 {
		n = defaultWorkers
	}
	p := &Pool{
		router:  router,
		mailbox: mbox,
		queues:  make([]chan Task, n),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, workerQueueDepth)
		p.wg.Add(1)
		go p.work(p.queues[i])
	}
	return p
}

// Submit records the task in the destination's mailbox and hands it to the
// worker owning that device. Returns the task id. Submit blocks when the
// owning worker's queue is full, which applies natural backpressure to the
// submitting connection.
func (p *Pool) Submit(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	evicted, err := p.mailbox.Enqueue(ctx, task.Item.DestinationDeviceID, task.ID)
	if err != nil {
		return "", err
	}
	if evicted != "" {
		// The evicted task is still running on its worker; it finishes
		// normally and its later mailbox removal is a no-op.
		metrics.MailboxEvictions.Inc()
		log.Printf("[delivery] mailbox full for device=%s, evicted task=%s",
			task.Item.DestinationDeviceID, evicted)
	}

	p.queues[p.shard(task.Item.DestinationDeviceID)] <- task
	return task.ID, nil
}

func (p *Pool) shard(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) work(queue chan Task) {
	defer p.wg.Done()
	for task := range queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	transport, err := p.router.Deliver(ctx, task.Item)
	if err != nil {
		log.Printf("[delivery] task=%s device=%s transport=%s failed: %v",
			task.ID, task.Item.DestinationDeviceID, transport, err)
	}
	success := err == nil && transport != TransportUnreachable

	p.router.SendCompletionSignal(ctx, task.SourceUserID, task.SourceDeviceID, task.Item, success)

	if err := p.mailbox.Remove(ctx, task.Item.DestinationDeviceID, task.ID); err != nil {
		log.Printf("[delivery] mailbox remove task=%s: %v", task.ID, err)
	}
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		for _, q := range p.queues {
			close(q)
		}
	})
	p.wg.Wait()
}
