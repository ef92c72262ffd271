package main

import (
	"log"

	"escrowcoord/services/coordinator"
)

func main() {
	if err := coordinator.Main(); err != nil {
		log.Fatalf("escrowd: %v", err)
	}
}
