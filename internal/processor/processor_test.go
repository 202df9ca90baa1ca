package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	nats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namikmesic/claude-relay/internal/jetstream"
	"github.com/namikmesic/claude-relay/internal/storage"
	"github.com/namikmesic/claude-relay/internal/stream"
)

var errDatabaseDown = errors.New("connection refused")

// recordingDB captures the stream ids written by delivery jobs. While down
// is set every write fails.
type recordingDB struct {
	mu  sync.Mutex
	ids []string

	down     atomic.Bool
	failures atomic.Int32
}

func (d *recordingDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	if d.down.Load() {
		d.failures.Add(1)
		return pgconn.CommandTag{}, errDatabaseDown
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, args[0].(string))
	return pgconn.CommandTag{}, nil
}

func (d *recordingDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	if d.down.Load() {
		d.failures.Add(1)
		return failedResults{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range b.QueuedQueries {
		d.ids = append(d.ids, q.Arguments[0].(string))
	}
	return okResults{}
}

func (d *recordingDB) stored() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type okResults struct{}

func (okResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (okResults) Query() (pgx.Rows, error)         { return nil, nil }
func (okResults) QueryRow() pgx.Row                 { return nil }
func (okResults) Close() error                      { return nil }

type failedResults struct{}

func (failedResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, errDatabaseDown }
func (failedResults) Query() (pgx.Rows, error)         { return nil, errDatabaseDown }
func (failedResults) QueryRow() pgx.Row                 { return nil }
func (failedResults) Close() error                      { return nil }

// jobQueue executes jobs synchronously against its DB, or rejects them.
type jobQueue struct {
	db     storage.DB
	reject bool

	mu       sync.Mutex
	rejected int
}

func (q *jobQueue) Enqueue(job storage.WriteJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject {
		q.rejected++
		return false
	}
	job.Execute(context.Background(), q.db)
	return true
}

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	srv, err := jetstream.NewServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := srv.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)
	require.NoError(t, jetstream.EnsureStream(js))
	return js
}

func TestConsumerStoresPublishedSummaries(t *testing.T) {
	js := startJetStream(t)
	pub := jetstream.NewPublisher(js)
	db := &recordingDB{}

	ctx, cancel := context.WithCancel(context.Background())
	p := New(&jobQueue{db: db})
	p.maxWait = 100 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- p.StartConsumer(ctx, js) }()

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, pub.PublishSummary(context.Background(), stream.DeliverySummary{
			StreamID: id,
			UserID:   "u-1",
			Status:   stream.TypeDone,
		}))
	}

	assert.Eventually(t, func() bool { return len(db.stored()) == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []string{"s-1", "s-2", "s-3"}, db.stored())

	// acked messages leave the work queue
	assert.Eventually(t, func() bool {
		info, err := js.StreamInfo(jetstream.StreamName)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 20*time.Millisecond)

	_, err := js.Publish(jetstream.DeliverySubject("junk"), []byte("not json"))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, db.stored(), 3)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumerRedeliversWhenWriterFull(t *testing.T) {
	js := startJetStream(t)
	q := &jobQueue{db: &recordingDB{}, reject: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(q)
	p.maxWait = 100 * time.Millisecond
	go p.StartConsumer(ctx, js)

	require.NoError(t, jetstream.NewPublisher(js).PublishSummary(context.Background(), stream.DeliverySummary{
		StreamID: "s-1",
		Status:   stream.TypeError,
	}))

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.rejected >= 2
	}, 10*time.Second, 20*time.Millisecond)

	info, err := js.StreamInfo(jetstream.StreamName)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestConsumerRedeliversFailedWrites(t *testing.T) {
	js := startJetStream(t)
	db := &recordingDB{}
	db.down.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(&jobQueue{db: db})
	p.maxWait = 100 * time.Millisecond
	p.retryDelay = 50 * time.Millisecond
	go p.StartConsumer(ctx, js)

	require.NoError(t, jetstream.NewPublisher(js).PublishSummary(context.Background(), stream.DeliverySummary{
		StreamID: "s-1",
		Status:   stream.TypeDone,
	}))

	assert.Eventually(t, func() bool { return db.failures.Load() >= 2 }, 10*time.Second, 20*time.Millisecond)
	info, err := js.StreamInfo(jetstream.StreamName)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
	assert.Empty(t, db.stored())

	db.down.Store(false)
	assert.Eventually(t, func() bool { return len(db.stored()) == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"s-1"}, db.stored())
	assert.Eventually(t, func() bool {
		info, err := js.StreamInfo(jetstream.StreamName)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDecode(t *testing.T) {
	s, err := Decode([]byte(`{"stream_id":"s","user_id":"u","status":"done","total_tokens":3}`))
	require.NoError(t, err)
	assert.Equal(t, "s", s.StreamID)
	assert.Equal(t, 3, s.TotalTokens)

	_, err = Decode([]byte(`{"stream_id":"s","status":"chunk"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"status":"done"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{`))
	assert.Error(t, err)
}
