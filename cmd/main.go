package main

import (
	"os"

	"github.com/soundprediction/biencoder/cmd/biencoder"
)

func main() {
	if err := biencoder.Execute(); err != nil {
		os.Exit(1)
	}
}
