package main

import (
	"os"

	"nexus-core/internal/app"
)

func main() {
	os.Exit(app.NewRunner().Run(os.Args[1:]))
}
