// Package queuetest records enqueued jobs for tests that only need a producer.
package queuetest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"conversation-engine/backend/internal/queue"

	"github.com/stretchr/testify/require"
)

type Recorded struct {
	ID      string
	Topic   string
	Payload []byte
	Delay   time.Duration
}

// Job turns the record into a first delivery.
func (r Recorded) Job() *queue.Job {
	return &queue.Job{ID: r.ID, Topic: r.Topic, Payload: r.Payload, Attempts: 1}
}

// Recorder is an in-memory queue.Producer.
type Recorder struct {
	mu   sync.Mutex
	seq  int
	jobs []Recorded
	// Err, when set, fails every Enqueue.
	Err error
}

func (r *Recorder) Enqueue(_ context.Context, topic string, payload []byte, opts ...queue.EnqueueOption) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	r.seq++
	id := "job-" + strconv.Itoa(r.seq)
	r.jobs = append(r.jobs, Recorded{ID: id, Topic: topic, Payload: payload, Delay: queue.ApplyOptions(opts)})
	return id, nil
}

// Jobs returns the jobs recorded for topic, or all jobs when topic is empty.
func (r *Recorder) Jobs(topic string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, j := range r.jobs {
		if topic == "" || j.Topic == topic {
			out = append(out, j)
		}
	}
	return out
}

// Decode unmarshals a recorded payload.
func Decode[T any](t testing.TB, r Recorded) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Payload, &v))
	return v
}
