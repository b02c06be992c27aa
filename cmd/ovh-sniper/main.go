package main

import "github.com/rickgao/ovh-sniper/internal/cli"

func main() {
	cli.Execute()
}
