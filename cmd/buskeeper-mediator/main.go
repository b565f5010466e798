package main

import (
	"log"

	"github.com/buskeeper/buskeeper/core/infra/buildinfo"
	"github.com/buskeeper/buskeeper/core/infra/config"
	"github.com/buskeeper/buskeeper/core/mediator"
)

func main() {
	log.Println("buskeeper mediator starting...")
	buildinfo.Log("buskeeper-mediator")
	cfg := config.Load()
	if err := mediator.Run(cfg); err != nil {
		log.Fatalf("mediator error: %v", err)
	}
}
