package lua

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// MaxCollectorBuffer guards against accidental misconfiguration.
const MaxCollectorBuffer uint32 = 1024 * 1024

// CollectorMetrics counts what a collector has seen.
type CollectorMetrics struct {
	RecordsProcessed   int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

// OutputCollector copies an output stream into an overlapping ring buffer so
// the last records of a run can be consumed after the script finished.
type OutputCollector struct {
	source  <-chan OutputRecord
	buffer  mpmc.RichOverlappedRingBuffer[OutputRecord]
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool

	processed   atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

func NewOutputCollector(source <-chan OutputRecord, bufferSize uint32) (*OutputCollector, error) {
	if source == nil {
		return nil, fmt.Errorf("output channel cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxCollectorBuffer {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxCollectorBuffer)
	}
	return &OutputCollector{
		source: source,
		buffer: mpmc.NewOverlappedRingBuffer[OutputRecord](bufferSize),
	}, nil
}

// Start begins collecting. The collector stops on its own when the source
// channel is closed.
func (c *OutputCollector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("collector is already running")
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		defer c.running.Store(false)
		for {
			select {
			case <-stop:
				return
			case rec, ok := <-c.source:
				if !ok {
					return
				}
				overwrites, err := c.buffer.EnqueueM(rec)
				if err != nil {
					c.errors.Add(1)
					return
				}
				c.overwritten.Add(int64(overwrites))
				c.processed.Add(1)
			}
		}
	}(c.stop, c.done)
	return nil
}

// Stop ends collection and waits for the goroutine to exit. Stopping a
// collector that is not running is a no-op.
func (c *OutputCollector) Stop() {
	if c.done == nil {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.stop)
		<-c.done
	}
}

// Wait blocks until the collector exits, e.g. after its source was closed.
func (c *OutputCollector) Wait() {
	if c.done != nil {
		<-c.done
	}
}

func (c *OutputCollector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		RecordsProcessed:   c.processed.Load(),
		RecordsOverwritten: c.overwritten.Load(),
		ErrorsOccurred:     c.errors.Load(),
	}
}

// ConsumerFunc processes one record at a time. A non-zero result stops
// consumption early. A nil record marks the end; the consumer returns its
// final result then.
type ConsumerFunc[T any] func(record *OutputRecord) (T, error)

// PlainTextConsumer concatenates record contents.
func PlainTextConsumer() ConsumerFunc[string] {
	var sb strings.Builder
	return func(record *OutputRecord) (string, error) {
		if record == nil {
			return sb.String(), nil
		}
		sb.WriteString(record.Content)
		return "", nil
	}
}

// ConsumeRecords drains the buffered records into consumer.
func ConsumeRecords[T any](c *OutputCollector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("buffer dequeue error: %w", err)
		}
		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZero(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

func isZero[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// ConsumePlainText returns everything buffered as one string.
func (c *OutputCollector) ConsumePlainText() (string, error) {
	return ConsumeRecords(c, PlainTextConsumer())
}
