package main

import "github.com/Alaa-nl/phytod/cmd"

func main() {
	cmd.Execute()
}
