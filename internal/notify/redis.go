package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/catalogwatch/internal/model"
)

// DefaultChannel はイベントを配信するRedisチャネルのデフォルト名。
const DefaultChannel = "catalogwatch:events"

// Publisher はRedisのPUBLISHを抽象化するインターフェース。
// *redis.Client が満たす。
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier はイベントをJSONとしてRedis Pub/Subに配信する。
type RedisNotifier struct {
	publisher Publisher
	channel   string
}

// NewRedisClient はREDIS_URL形式のURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisNotifier はRedisNotifierを生成する。channelが空の場合はDefaultChannelを使用する。
func NewRedisNotifier(publisher Publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{publisher: publisher, channel: channel}
}

// Notify はイベントを1件ずつ配信する。
func (n *RedisNotifier) Notify(ctx context.Context, source *model.Source, events []model.ChangeEvent) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.ToRecord())
		if err != nil {
			return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
		}
		if err := n.publisher.Publish(ctx, n.channel, payload).Err(); err != nil {
			return fmt.Errorf("イベントの配信に失敗 (event_id=%s): %w", ev.ID, err)
		}
	}
	return nil
}
