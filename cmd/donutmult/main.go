package main

import "donut-multiplier/internal/cli"

func main() {
	cli.Execute()
}
