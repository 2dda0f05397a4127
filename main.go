package main

import "github.com/brensch/dicomstage/cmd"

func main() {
	cmd.Execute()
}
