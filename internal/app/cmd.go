package app

import (
	"fmt"
	"strings"

	"github.com/hitoshi/bestsellers/internal/model"
	"github.com/hitoshi/bestsellers/internal/pipeline"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun は fetch → process → validate を1回実行することを示す。
	CommandRun Command = "run"
	// CommandFetch はスナップショットの取得のみを実行することを示す。
	CommandFetch Command = "fetch"
	// CommandProcess は保存済みスナップショットの変換・ロードのみを実行することを示す。
	CommandProcess Command = "process"
	// CommandValidate はロード済みデータの日付範囲検証のみを実行することを示す。
	CommandValidate Command = "validate"
	// CommandSchedule はSCHEDULEに従って run を定期実行し、運用エンドポイントを公開することを示す。
	CommandSchedule Command = "schedule"
	// CommandMigrate はステージングスキーマのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は schedule モードの /health を確認することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = []Command{
	CommandRun, CommandFetch, CommandProcess, CommandValidate,
	CommandSchedule, CommandMigrate, CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandRunを返す。サポート外のコマンドは *model.InvalidArgumentError を返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandRun, nil
	}

	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}

	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return "", &model.InvalidArgumentError{
		Name:   "command",
		Reason: fmt.Sprintf("unknown command %q (want one of %s)", args[0], strings.Join(names, ", ")),
	}
}

// Steps はコマンドが実行するパイプラインのステップを返す。
// パイプラインを実行しないコマンドではnilを返す。
func (c Command) Steps() []string {
	switch c {
	case CommandRun, CommandSchedule:
		return pipeline.Steps
	case CommandFetch:
		return []string{pipeline.StepFetch}
	case CommandProcess:
		return []string{pipeline.StepProcess}
	case CommandValidate:
		return []string{pipeline.StepValidate}
	default:
		return nil
	}
}

// needsDatabase はステップ群がDB接続を必要とするかを返す。
func needsDatabase(steps []string) bool {
	for _, s := range steps {
		if s != pipeline.StepFetch {
			return true
		}
	}
	return false
}
