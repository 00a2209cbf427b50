package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/flagboard/internal/adapters/repository"
	"github.com/okian/flagboard/internal/domain/leaderboard"
	. "github.com/smartystreets/goconvey/convey"
)

const tierEvent = "leaderboard_update_beginner"

func TestConnectIsIdempotent(t *testing.T) {
	Convey("Given a manager connected through a fake transport", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()

		var calls atomic.Int32
		m.Connect(func() { calls.Add(1) }, fastOpts(d)...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		Convey("When Connect is called again", func() {
			m.Connect(func() { calls.Add(1) }, fastOpts(d)...)

			Convey("Then the callback runs both times over one transport", func() {
				So(eventually(func() bool { return calls.Load() == 2 }), ShouldBeTrue)
				So(d.dials.Load(), ShouldEqual, int32(1))
				So(d.connCount(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a connect attempt still in flight", t, func() {
		d := &fakeDialer{gate: make(chan struct{})}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()

		var calls atomic.Int32
		m.Connect(func() { calls.Add(1) }, fastOpts(d)...)
		m.Connect(func() { calls.Add(1) }, fastOpts(d)...)
		So(m.Status(), ShouldEqual, Connecting)

		Convey("When the attempt succeeds", func() {
			close(d.gate)

			Convey("Then both queued callbacks fire and only one dial happened", func() {
				So(eventually(func() bool { return calls.Load() == 2 }), ShouldBeTrue)
				So(d.dials.Load(), ShouldEqual, int32(1))
			})
		})
	})
}

func TestSubscriberIsolation(t *testing.T) {
	Convey("Given two subscribers to the same event", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()

		var first, second atomic.Int32
		unsubFirst := m.Subscribe(tierEvent, func(context.Context, Event) { first.Add(1) })
		m.Subscribe(tierEvent, func(context.Context, Event) { second.Add(1) })
		m.Connect(nil, fastOpts(d)...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		Convey("When one unsubscribes (twice) and an event arrives", func() {
			unsubFirst()
			unsubFirst()
			d.conn(0).emit(tierEvent, map[string]any{"data": []any{}})

			Convey("Then only the other keeps receiving", func() {
				So(eventually(func() bool { return second.Load() == 1 }), ShouldBeTrue)
				So(first.Load(), ShouldEqual, int32(0))
			})
		})
	})
}

func TestDeliveryOrderAndPayload(t *testing.T) {
	Convey("Given a subscriber recording sequence numbers", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()

		var mu sync.Mutex
		var seqs []uint64
		var lastPayload string
		m.Subscribe(tierEvent, func(_ context.Context, e Event) {
			mu.Lock()
			seqs = append(seqs, e.Seq)
			lastPayload = string(e.Payload)
			mu.Unlock()
		})
		m.Connect(nil, fastOpts(d)...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		Convey("When many events arrive", func() {
			for i := 0; i < 100; i++ {
				d.conn(0).emit(tierEvent, map[string]int{"i": i})
			}

			Convey("Then they are delivered in arrival order with their payload", func() {
				So(eventually(func() bool { mu.Lock(); defer mu.Unlock(); return len(seqs) == 100 }), ShouldBeTrue)
				mu.Lock()
				defer mu.Unlock()
				for i, s := range seqs {
					So(s, ShouldEqual, uint64(i+1))
				}
				So(lastPayload, ShouldEqual, `{"i":99}`)
			})
		})
	})
}

func TestControlFramesAreIgnored(t *testing.T) {
	Convey("Given a connected manager", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()

		var seqs []uint64
		var mu sync.Mutex
		m.Subscribe(tierEvent, func(_ context.Context, e Event) {
			mu.Lock()
			seqs = append(seqs, e.Seq)
			mu.Unlock()
		})
		m.Connect(nil, fastOpts(d)...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		Convey("When noop, upgrade and unsolicited ack frames precede an event", func() {
			c := d.conn(0)
			c.send("6")
			c.send("5")
			c.send(`437["late"]`)
			c.emit(tierEvent, map[string]any{"data": []any{}})

			Convey("Then the event is the first delivered and the connection survives", func() {
				So(eventually(func() bool { mu.Lock(); defer mu.Unlock(); return len(seqs) == 1 }), ShouldBeTrue)
				mu.Lock()
				So(seqs[0], ShouldEqual, uint64(1))
				mu.Unlock()
				So(m.Status(), ShouldEqual, Connected)
				So(d.connCount(), ShouldEqual, 1)
			})
		})
	})
}

func TestPingIsAnsweredWhileSubscriberIsBusy(t *testing.T) {
	Convey("Given a subscriber that blocks", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		release := make(chan struct{})
		defer func() {
			close(release)
			m.Disconnect()
		}()

		m.Subscribe(tierEvent, func(context.Context, Event) { <-release })
		m.Connect(nil, fastOpts(d)...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		Convey("When an event and then a ping arrive", func() {
			c := d.conn(0)
			c.emit(tierEvent, nil)
			c.send("2")

			Convey("Then the pong is still sent", func() {
				So(awaitFrame(c, "3"), ShouldBeTrue)
			})
		})
	})
}

func TestReconnect(t *testing.T) {
	Convey("Given a connected manager feeding a projection store", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()
		store := repository.NewProjectionStore()

		m.Subscribe(tierEvent, func(ctx context.Context, e Event) {
			snap, err := leaderboard.Decode(e.Payload, leaderboard.WithTier("beginner"))
			if err == nil {
				_, _ = store.ApplySnapshot(ctx, snap.Tier, snap.Entries, snap.Timestamp, repository.SnapshotOptions(snap)...)
			}
		})

		var statuses []Status
		var smu sync.Mutex
		m.Connect(nil, append(fastOpts(d), WithStatusObserver(func(s Status) {
			smu.Lock()
			statuses = append(statuses, s)
			smu.Unlock()
		}))...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		d.conn(0).emit(tierEvent, map[string]any{
			"timestamp": 1000,
			"data":      []any{map[string]any{"team_name": "a", "points": 10}},
		})
		So(eventually(func() bool { return len(store.Projection(context.Background(), "beginner").Entries) == 1 }), ShouldBeTrue)

		Convey("When the transport drops and events are missed meanwhile", func() {
			_ = d.conn(0).Close()
			So(eventually(func() bool { return d.connCount() == 2 && m.Status() == Connected }), ShouldBeTrue)

			d.conn(1).emit(tierEvent, map[string]any{
				"timestamp": 5000,
				"data": []any{
					map[string]any{"team_name": "b", "points": 40},
					map[string]any{"team_name": "a", "points": 30},
					map[string]any{"team_name": "c", "points": 20},
				},
			})

			Convey("Then the next snapshot alone repairs the projection", func() {
				So(eventually(func() bool {
					return len(store.Projection(context.Background(), "beginner").Entries) == 3
				}), ShouldBeTrue)
				p := store.Projection(context.Background(), "beginner")
				So(p.Entries[0].TeamName, ShouldEqual, "b")
				So(p.Entries[1].Points, ShouldEqual, int64(30))
				So(p.LastUpdated.UnixMilli(), ShouldEqual, int64(5000))
			})

			Convey("Then the status went through Reconnecting", func() {
				So(eventually(func() bool {
					smu.Lock()
					defer smu.Unlock()
					return statuses[len(statuses)-1] == Connected
				}), ShouldBeTrue)
				smu.Lock()
				defer smu.Unlock()
				So(statuses, ShouldContain, Reconnecting)
			})
		})
	})
}

func TestReconnectAttemptCap(t *testing.T) {
	Convey("Given a transport that never opens and a cap of three attempts", t, func() {
		d := &fakeDialer{failAll: true}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()
		errs := &errorLog{}

		var connected atomic.Bool
		m.Connect(func() { connected.Store(true) },
			append(fastOpts(d), WithReconnectAttempts(3), WithErrorObserver(errs.add))...)

		Convey("Then the manager gives up Disconnected and reports exhaustion", func() {
			So(eventually(func() bool { return errs.has(ErrReconnectExhausted) }), ShouldBeTrue)
			So(m.Status(), ShouldEqual, Disconnected)
			So(d.dials.Load(), ShouldEqual, int32(3))
			So(connected.Load(), ShouldBeFalse)
		})
	})

	Convey("Given a transport that fails twice then opens", t, func() {
		d := &fakeDialer{failFirst: 2}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()

		m.Connect(nil, append(fastOpts(d), WithReconnectAttempts(5))...)

		Convey("Then it connects on the third attempt", func() {
			So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)
			So(d.dials.Load(), ShouldEqual, int32(3))
		})
	})
}

func TestAuthRejected(t *testing.T) {
	Convey("Given a server that rejects the token", t, func() {
		d := &fakeDialer{reject: "invalid token"}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()
		errs := &errorLog{}

		m.Connect(nil, append(fastOpts(d), WithErrorObserver(errs.add))...)

		Convey("Then the cycle stops without retrying", func() {
			So(eventually(func() bool { return errs.has(ErrAuthRejected) }), ShouldBeTrue)
			So(eventually(func() bool { return m.Status() == Disconnected }), ShouldBeTrue)
			time.Sleep(20 * time.Millisecond)
			So(d.dials.Load(), ShouldEqual, int32(1))
		})
	})
}

func TestTransportFallbackAndToken(t *testing.T) {
	Convey("Given a broken primary transport and a working fallback", t, func() {
		primary := &fakeDialer{name: "primary", failAll: true}
		fallback := &fakeDialer{name: "fallback"}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()

		var tokenReads atomic.Int32
		m.Connect(nil, append(fastOpts(primary, fallback), WithTokenSource(func(context.Context) (string, error) {
			tokenReads.Add(1)
			return "jwt-token", nil
		}))...)

		Convey("Then the fallback carries the connection and the token", func() {
			So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)
			So(primary.dials.Load(), ShouldEqual, int32(1))
			So(fallback.conn(0).authToken(), ShouldEqual, "jwt-token")
		})

		Convey("Then the token is read again on reconnect", func() {
			So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)
			_ = fallback.conn(0).Close()
			So(eventually(func() bool { return fallback.connCount() == 2 && m.Status() == Connected }), ShouldBeTrue)
			So(tokenReads.Load(), ShouldBeGreaterThanOrEqualTo, int32(2))
		})
	})
}

func TestDisconnect(t *testing.T) {
	Convey("Given a connected manager with a subscriber", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		var got atomic.Int32
		m.Subscribe(tierEvent, func(context.Context, Event) { got.Add(1) })
		m.Connect(nil, fastOpts(d)...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		Convey("When it disconnects", func() {
			m.Disconnect()
			m.Disconnect()

			Convey("Then the transport is closed and state cleared", func() {
				So(m.Status(), ShouldEqual, Disconnected)
				So(d.conn(0).isClosed(), ShouldBeTrue)
				time.Sleep(20 * time.Millisecond)
				So(d.connCount(), ShouldEqual, 1)
			})

			Convey("Then a later connection does not reach old subscribers", func() {
				m.Connect(nil, fastOpts(d)...)
				defer m.Disconnect()
				So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)
				d.conn(1).emit(tierEvent, nil)
				time.Sleep(30 * time.Millisecond)
				So(got.Load(), ShouldEqual, int32(0))
			})
		})

		Convey("When a handler disconnects the manager itself", func() {
			m.Subscribe("bye", func(context.Context, Event) { m.Disconnect() })
			d.conn(0).emit("bye", nil)

			Convey("Then it does not deadlock", func() {
				So(eventually(func() bool { return m.Status() == Disconnected }), ShouldBeTrue)
			})
		})
	})
}

func TestServerDisconnect(t *testing.T) {
	Convey("Given a server that closes the namespace", t, func() {
		d := &fakeDialer{}
		m := NewManager("ws://fake/socket.io/")
		defer m.Disconnect()
		errs := &errorLog{}
		m.Connect(nil, append(fastOpts(d), WithErrorObserver(errs.add))...)
		So(eventually(func() bool { return m.Status() == Connected }), ShouldBeTrue)

		d.conn(0).send("41")

		Convey("Then the manager stays disconnected", func() {
			So(eventually(func() bool { return m.Status() == Disconnected }), ShouldBeTrue)
			So(errs.has(ErrServerDisconnect), ShouldBeTrue)
			time.Sleep(20 * time.Millisecond)
			So(d.dials.Load(), ShouldEqual, int32(1))
		})
	})
}
