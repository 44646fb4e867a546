package main

import (
	"github.com/Mu-L/locust/cmd/locust/cmd"
)

func main() {
	cmd.Execute()
}
