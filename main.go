package main

import "github.com/Sped0n/texa/cmd"

func main() {
	cmd.Execute()
}
