package main

import (
	"gardencam/live/internal/cli"
	"gardencam/live/internal/logging"
)

func main() {
	logging.FromEnv()
	cli.Execute()
}
