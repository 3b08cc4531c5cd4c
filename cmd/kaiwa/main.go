package main

import (
	"os"

	"github.com/nuetzliches/kaiwa/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
