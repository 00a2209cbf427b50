package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/flagboard/internal/adapters/mq/queue"
	worker "github.com/okian/flagboard/internal/adapters/mq/worker"
	model "github.com/okian/flagboard/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

type mockQueue struct {
	eventChan chan queue.Event
}

func newMockQueue() *mockQueue {
	return &mockQueue{eventChan: make(chan queue.Event, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Event { return mq.eventChan }

func (mq *mockQueue) Close() { close(mq.eventChan) }

type recorder struct {
	mu     sync.Mutex
	names  []string
	errFor map[string]error
	panics map[string]bool
}

func newRecorder() *recorder {
	return &recorder{errFor: map[string]error{}, panics: map[string]bool{}}
}

func (r *recorder) Dispatch(_ context.Context, e model.Event) error { //nolint:gocritic // hugeParam
	r.mu.Lock()
	r.names = append(r.names, e.Name)
	err := r.errFor[e.Name]
	p := r.panics[e.Name]
	r.mu.Unlock()
	if p {
		panic("subscriber blew up")
	}
	return err
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func waitDone(w *worker.InMemoryWorker) bool {
	select {
	case <-w.Done():
		return true
	case <-time.After(time.Second):
		return false
	}
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a queue", t, func() {
		q := newMockQueue()
		rec := newRecorder()
		w := worker.NewInMemoryWorker(q, rec, worker.WithName("test-dispatcher"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		convey.Convey("When events are queued and the queue is closed", func() {
			q.eventChan <- model.Event{Name: "a", Seq: 1}
			q.eventChan <- model.Event{Name: "b", Seq: 2}
			q.eventChan <- model.Event{Name: "c", Seq: 3}
			q.Close()
			go w.Run(ctx)

			convey.Convey("Then they should be dispatched in order and the worker should exit", func() {
				convey.So(waitDone(w), convey.ShouldBeTrue)
				convey.So(rec.seen(), convey.ShouldResemble, []string{"a", "b", "c"})
			})
		})

		convey.Convey("When a dispatch fails or panics", func() {
			rec.errFor["bad"] = errors.New("handler failed")
			rec.panics["boom"] = true
			q.eventChan <- model.Event{Name: "bad"}
			q.eventChan <- model.Event{Name: "boom"}
			q.eventChan <- model.Event{Name: "good"}
			q.Close()
			go w.Run(ctx)

			convey.Convey("Then later events should still be dispatched", func() {
				convey.So(waitDone(w), convey.ShouldBeTrue)
				convey.So(rec.seen(), convey.ShouldResemble, []string{"bad", "boom", "good"})
			})
		})

		convey.Convey("When shutting down", func() {
			go w.Run(ctx)
			err := w.Shutdown(context.Background())

			convey.Convey("Then it should stop and a second shutdown should be safe", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(w.Shutdown(context.Background()), convey.ShouldBeNil)
			})
		})

		convey.Convey("When context is cancelled", func() {
			go w.Run(ctx)
			cancel()

			convey.Convey("Then worker should stop", func() {
				convey.So(waitDone(w), convey.ShouldBeTrue)
			})
		})
	})
}

func TestWorkerWithRealQueue(t *testing.T) {
	convey.Convey("Given a worker draining an in-memory queue", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(64))
		var got []uint64
		var mu sync.Mutex
		w := worker.NewInMemoryWorker(q, worker.DispatcherFunc(func(_ context.Context, e model.Event) error {
			mu.Lock()
			got = append(got, e.Seq)
			mu.Unlock()
			return nil
		}))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		for i := uint64(1); i <= 50; i++ {
			q.Enqueue(ctx, model.Event{Name: "leaderboard_update_beginner", Seq: i})
		}
		_ = q.Close()

		convey.Convey("Then every event should arrive in sequence", func() {
			convey.So(waitDone(w), convey.ShouldBeTrue)
			mu.Lock()
			defer mu.Unlock()
			convey.So(len(got), convey.ShouldEqual, 50)
			for i, seq := range got {
				convey.So(seq, convey.ShouldEqual, uint64(i+1))
			}
		})
	})
}
