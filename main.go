package main

import "github.com/nextlevelbuilder/chanbind/cmd"

func main() {
	cmd.Execute()
}
