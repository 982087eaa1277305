package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"otServer/backend/internal/ot"
	"otServer/backend/internal/session"
)

func testEvent(version uint64) DocOpEvent {
	op := ot.NewInsert(0, "x")
	op.ID = fmt.Sprintf("op-%d", version)
	op.Author = "user1"
	op.Version = version
	return opAppliedEvent(session.Key{DocumentID: "doc-1", Field: "title"}, op, version-1)
}

func fastOptions(retry int) KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    retry,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKafkaDispatcherSends(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventOpApplied || evt.Field != "title" || evt.Operation == nil || evt.Operation.Kind != ot.KindInsert {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "ot-ops", NewSemaphoreControl(4), fastOptions(0))
	for v := uint64(1); v <= 2; v++ {
		if err := d.Enqueue(context.Background(), testEvent(v)); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}
	d.Close()

	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaDispatcherRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "ot-ops", nil, fastOptions(2))
	if err := d.Enqueue(context.Background(), testEvent(1)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	d.Close()
	_ = producer.Close()
}

func TestKafkaDispatcherDropsAfterRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "ot-ops", nil, fastOptions(0))
	_ = d.Enqueue(context.Background(), testEvent(1)) // 失败后直接丢弃
	_ = d.Enqueue(context.Background(), testEvent(2))
	d.Close()
	_ = producer.Close()
}

func TestKafkaDispatcherQueueFull(t *testing.T) {
	sem := NewSemaphoreControl(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	opt := fastOptions(0)
	opt.QueueSize = 1
	// producer 为空时 sendOnce 直接成功，这里只关心队列
	d := NewKafkaDispatcher(nil, "", sem, opt)

	_ = d.Enqueue(context.Background(), testEvent(1)) // worker 取走后卡在信号量上
	time.Sleep(10 * time.Millisecond)
	if err := d.Enqueue(context.Background(), testEvent(2)); err != nil {
		t.Fatalf("Enqueue into a free slot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, testEvent(3)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue into a full queue: err = %v", err)
	}

	_ = sem.Release()
	d.Close()
}

func TestKafkaDispatcherEnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", NewSemaphoreControl(1), fastOptions(0))
	d.Close()
	d.Close()
	if err := d.Enqueue(context.Background(), testEvent(1)); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Enqueue after Close: err = %v, want ErrDispatcherClosed", err)
	}
}
