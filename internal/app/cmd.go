package app

import (
	"fmt"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとフリート同期スケジューラを起動する。
	CommandServe Command = "serve"
	// CommandWorker はAPIを公開せずにフリート同期スケジューラのみを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandSeed はソースファイルに記載されたソースを登録して終了する。
	CommandSeed Command = "seed"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = []Command{
	CommandServe,
	CommandWorker,
	CommandMigrate,
	CommandSeed,
	CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。サポート外のコマンドはエラーとする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q (available: %s)", args[0], commandList())
}

func commandList() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// seedPath はseedコマンドの読み込み先を返す。引数の指定がSOURCES_FILEより優先される。
func seedPath(args []string, sourcesFile string) string {
	if len(args) > 1 && args[1] != "" {
		return args[1]
	}
	return sourcesFile
}
