package main

import (
	"os"

	"aidbeacon.org/beacon/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
