package main

import "github.com/mshirdel/campaign-core/cmd"

func main() {
	cmd.Execute()
}
