package main

import "github.com/example/glaucoscan/cmd"

func main() {
	cmd.Execute()
}
