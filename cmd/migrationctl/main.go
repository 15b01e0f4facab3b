// migrationctl — разовые операции над журналом миграций переводов:
// сверка, применение, откат, повтор и просмотр без запуска сервера.
// Конфигурация читается из тех же переменных окружения TM_*, что и у сервера.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/upengage/transmigrate/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(cli.OpenBackend).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ошибка:", err)
		stop()
		os.Exit(1)
	}
}
