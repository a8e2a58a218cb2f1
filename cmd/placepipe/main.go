package main

import (
	_ "time/tzdata"

	"github.com/vietddude/placepipe/internal/cli"
)

func main() {
	cli.Execute()
}
