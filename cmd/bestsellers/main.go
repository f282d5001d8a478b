// Command bestsellers はNYTベストセラーのスナップショットを取得し、ステージングテーブルへロードする。
//
// 使い方:
//
//	bestsellers [run|fetch|process|validate|schedule|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/bestsellers/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bestsellers: %v\n", err)
		os.Exit(1)
	}
}
