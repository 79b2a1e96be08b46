package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery は変更ストリームから受信した1件の配信です。
// 同じイベントが複数回配信されることがあるため（at-least-once）、
// 受信側は冪等に処理してから Ack する必要があります。
type Delivery struct {
	ID    string
	Event ChangeEvent
}

// Feed は変更ストリームをコンシューマーグループで読み取ります。
type Feed struct {
	rdb      *redis.Client
	group    string
	consumer string
}

// NewFeed は Feed を作成し、コンシューマーグループを初期化します。
// グループは作成時点以降のイベントのみを受け取ります。
func NewFeed(ctx context.Context, rdb *redis.Client, group, consumer string) (*Feed, error) {
	if group == "" || consumer == "" {
		return nil, fmt.Errorf("group and consumer are required")
	}
	if err := ensureGroup(ctx, rdb, group); err != nil {
		return nil, err
	}
	return &Feed{
		rdb:      rdb,
		group:    group,
		consumer: consumer,
	}, nil
}

func ensureGroup(ctx context.Context, rdb *redis.Client, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, ChangeStream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// Next は未処理の配信をブロック付きで読み取ります。
// block の間に新しいイベントがなければ (nil, nil) を返します。
func (f *Feed) Next(ctx context.Context, block time.Duration) ([]Delivery, error) {
	streams, err := f.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.group,
		Consumer: f.consumer,
		Streams:  []string{ChangeStream, ">"},
		Count:    16,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := decodeChangeMessage(msg.Values)
			if err != nil {
				// 解釈できないメッセージは Ack してスキップする
				f.rdb.XAck(ctx, ChangeStream, f.group, msg.ID)
				continue
			}
			deliveries = append(deliveries, Delivery{ID: msg.ID, Event: event})
		}
	}
	return deliveries, nil
}

// Ack は処理済みの配信を確認応答します。
func (f *Feed) Ack(ctx context.Context, deliveryID string) error {
	return f.rdb.XAck(ctx, ChangeStream, f.group, deliveryID).Err()
}

func decodeChangeMessage(values map[string]any) (ChangeEvent, error) {
	event := ChangeEvent{}

	name, _ := values[streamFieldEvent].(string)
	if name == "" {
		return event, fmt.Errorf("missing event field")
	}
	event.EventName = EventName(name)

	image, _ := values[streamFieldImage].(string)
	if image != "" {
		record := &Record{}
		if err := json.Unmarshal([]byte(image), record); err != nil {
			return event, fmt.Errorf("failed to parse event image: %w", err)
		}
		event.NewImage = record
	}
	return event, nil
}
