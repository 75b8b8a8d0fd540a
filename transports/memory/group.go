package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

// group is a consumer group on one topic. Each partition has its own queue and
// goroutine, so records of a partition are handled one at a time in offset order.
type group struct {
	id     string
	queues []chan *contracts.Record
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	members []*subscription
}

func newGroup(id string, partitions, queueSize int) *group {
	g := &group{
		id:     id,
		queues: make([]chan *contracts.Record, partitions),
		quit:   make(chan struct{}),
	}
	for i := range g.queues {
		g.queues[i] = make(chan *contracts.Record, queueSize)
	}
	return g
}

func (g *group) start() {
	for p := range g.queues {
		g.wg.Add(1)
		go g.consume(p)
	}
}

func (g *group) stop() {
	close(g.quit)
	g.wg.Wait()
}

func (g *group) enqueue(ctx context.Context, rec *contracts.Record) error {
	select {
	case g.queues[rec.Partition] <- rec:
		return nil
	case <-g.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *group) consume(partition int) {
	defer g.wg.Done()

	for {
		select {
		case <-g.quit:
			return
		case rec := <-g.queues[partition]:
			if member := g.owner(partition); member != nil {
				member.deliver(rec)
			}
		}
	}
}

// owner returns the member partition p is assigned to
func (g *group) owner(p int) *subscription {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.members) == 0 {
		return nil
	}
	return g.members[p%len(g.members)]
}

func (g *group) add(sub *subscription) {
	g.mu.Lock()
	g.members = append(g.members, sub)
	g.mu.Unlock()
}

// remove reports whether the group is now empty
func (g *group) remove(sub *subscription) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, m := range g.members {
		if m == sub {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	return len(g.members) == 0
}

func (g *group) snapshot() []*subscription {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*subscription(nil), g.members...)
}

// subscription is one member of a group
type subscription struct {
	topic   string
	groupID string
	handler messaging.RecordHandler
	logger  *slog.Logger
	leave   func()

	once sync.Once
	done chan struct{}
}

func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) GroupID() string       { return s.groupID }
func (s *subscription) Done() <-chan struct{} { return s.done }

// Close leaves the group. Calling it from inside the handler is not supported
// for the last member of a group.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.leave()
		close(s.done)
	})
	return nil
}

func (s *subscription) deliver(rec *contracts.Record) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in record handler",
				"topic", rec.Topic,
				"groupId", s.groupID,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"panic", r)
		}
	}()

	if err := s.handler(context.Background(), rec.Clone()); err != nil {
		s.logger.Warn("record handler failed",
			"topic", rec.Topic,
			"groupId", s.groupID,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err)
	}
}
