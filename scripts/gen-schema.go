//go:build ignore

package main

import (
	"fmt"
	"os"

	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
)

func main() {
	data, err := config.GenerateJSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll("schemas", 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("schemas/pipewright.json", data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wrote schemas/pipewright.json")
}
