// Package store は永続化状態への変更を直列化する単一ライターを提供する。
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrClosed はライター停止後に投入されたジョブに返される。
var ErrClosed = errors.New("writer is closed")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Writer は全ての変更操作を1つのゴルーチンで順番に実行するアクター。
// 差分計算用の読み取りもここを通すことで、書き込み途中の状態を観測しない。
type Writer struct {
	jobs   chan job
	quit   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWriter はWriterを生成し、処理ゴルーチンを起動する。
func NewWriter(logger *slog.Logger) *Writer {
	w := &Writer{
		jobs:   make(chan job),
		quit:   make(chan struct{}),
		logger: logger,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case j := <-w.jobs:
			j.done <- w.run(j)
		}
	}
}

// run はジョブを実行する。panicはエラーに変換し、ライター自体は停止させない。
func (w *Writer) run(j job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("書き込みジョブでpanicが発生しました",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("書き込みジョブでpanicが発生: %v", rec)
		}
	}()
	return j.fn(j.ctx)
}

// Do はfnをライターのゴルーチン上で実行し、完了まで待つ。
// ctxは受付待ちの間だけ有効で、受け付けられたジョブはキャンセルされないコンテキストで最後まで実行される。
// ジョブ内から Do を呼び出すとデッドロックする。
func (w *Writer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{
		ctx:  context.WithoutCancel(ctx),
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case <-w.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case w.jobs <- j:
	}

	return <-j.done
}

// Close はライターを停止する。実行中のジョブは完了まで待つ。
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.quit)
	})
	w.wg.Wait()
}
