// Package main is the maycast-recorder entry point (coordinator + guest CLI).
package main

import (
	"log"

	"github.com/henteko/maycast-recorder-sub000/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
