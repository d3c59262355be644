package main

import "github.com/tinyllm/sft/cmd"

func main() {
	cmd.Execute()
}
