package main

import (
	"log"

	"github.com/schemaforge/server/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
