package main

import "github.com/gitvault/gitvault/cmd/gitvault/cmd"

func main() {
	cmd.Execute()
}
