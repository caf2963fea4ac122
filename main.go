package main

import (
	"github.com/rand/council/internal/cmd"
)

func main() {
	cmd.Execute()
}
