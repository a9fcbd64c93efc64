// Command ledgersaga обслуживает хранилище саг: миграции схемы, просмотр
// саг, решения по шагам и проверку политик риска.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		os.Exit(1)
	}
}
