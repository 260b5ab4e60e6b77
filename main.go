package main

import "github.com/timvw/hallucination-gate/cmd"

func main() {
	cmd.Execute()
}
