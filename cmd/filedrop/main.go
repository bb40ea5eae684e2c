package main

import "github.com/jmcleod/filedrop/cmd/filedrop/cmd"

func main() {
	cmd.Execute()
}
